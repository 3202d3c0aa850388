// Command jsbox loads a script into a sandbox session and runs it or calls
// one of its functions.
package main

func main() {
	Execute()
}
