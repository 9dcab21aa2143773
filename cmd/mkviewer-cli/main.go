// mkviewer-cli lists, previews, indexes and searches documents from the
// command line, using the same engine as the server.
package main

import "github.com/liuyunc/mkviewer/cmd/mkviewer-cli/cmd"

func main() {
	cmd.Execute()
}
