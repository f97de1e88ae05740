package main

import (
	"github.com/coldvault/glacierup/cmd"
)

func main() {
	cmd.Execute()
}
