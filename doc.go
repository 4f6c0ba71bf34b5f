// Package main provides the go-injectipa CLI tool for adding dynamic
// libraries to iOS apps.
//
// For the library API, see the injectipa subpackage:
//
//	import "github.com/aluedeke/go-injectipa/pkg/injectipa"
//
// # Installation
//
// Install the CLI:
//
//	go install github.com/aluedeke/go-injectipa@latest
//
// The default backends need unzip, zip, ar, tar and optool on PATH. Run
// with --native to use the built-in archive and Mach-O backends instead.
package main
