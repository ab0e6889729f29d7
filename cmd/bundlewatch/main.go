// Command bundlewatch runs a build command and reruns it whenever one of its
// inputs changes.
package main

import "os"

func main() {
	os.Exit(run(os.Args[1:], defaultCommandDeps()))
}
