package main

import "github.com/reticlehq/reticle/cmd/reticle/cmd"

func main() {
	cmd.Execute()
}
