package main

import (
	"github.com/Moe-Sakura/anime-search-api/cmd"
)

func main() {
	cmd.Execute()
}
