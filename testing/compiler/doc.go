/*
Package compiler builds the Go binaries an acceptance test runs, into a temporary directory
that Cleanup removes.

Testing the binary that ships, with as little modification as possible, is what makes these
tests worth their cost. The server under test is compiled this way before it is packaged
into a distribution.
*/
package compiler
