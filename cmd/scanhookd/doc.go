// Command scanhookd runs the scan webhook service: it initiates scans
// with the plagiarism detection provider and consumes the provider's
// lifecycle callbacks.
package main
