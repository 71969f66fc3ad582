// Command keyset inspects the protection data of DASH manifests.
package main

var version = "dev"

func main() {
	Execute()
}
