// Package injectipa repackages iOS application archives (.ipa) so that the
// app loads an additional dynamic library at launch.
//
// The library may be given as a .dylib or as a Debian package (.deb), in
// which case the first .dylib inside the package's data segment is used.
// Every target archive is expanded into its own staging directory, the
// library is copied next to the app's executable, an LC_LOAD_DYLIB command
// referencing @executable_path/<library> is added, and the tree is packed
// back into a new archive. The original archive is never modified.
//
// # Basic Usage
//
//	cfg, err := injectipa.LoadConfig("")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	inj, err := injectipa.NewInjector(injectipa.InjectorOptions{
//	    Codec:       cfg.NewCodec(nil),
//	    Patcher:     cfg.NewPatcher(nil),
//	    Extractor:   cfg.NewExtractor(nil),
//	    Destination: injectipa.DirDestination{Dir: "out"},
//	    StagingRoot: cfg.StagingRoot,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	report, err := inj.Run(ctx, injectipa.Request{
//	    Library: "Tweak.deb",
//	    Targets: []string{"App.ipa"},
//	})
//
// # Backends
//
// Archives are handled by the unzip and zip programs (ExternalCodec) or in
// process with archive/zip (NativeCodec). Load commands are added by optool
// (OptoolPatcher) or in process (NativePatcher), which writes the new
// command into the header padding of every architecture slice.
//
// Code signatures are not updated. An executable that was signed must be
// re-signed before it can be installed.
package injectipa
