package main

import (
	"shelfstream/cmd"
)

func main() {
	cmd.Execute()
}
