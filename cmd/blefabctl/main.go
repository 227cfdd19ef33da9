// blefabctl -- CLI client for the blefabd daemon.
package main

import "github.com/blefab/blefab/cmd/blefabctl/commands"

func main() {
	commands.Execute()
}
