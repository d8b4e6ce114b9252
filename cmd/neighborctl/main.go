// neighborctl -- operator CLI for the profilesrv daemon's admin JSON API.
package main

import "github.com/dantte-lp/profilesrv/cmd/neighborctl/commands"

func main() {
	commands.Execute()
}
