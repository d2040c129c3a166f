package main

import (
	"log"

	"tokenkeeper/internal/app"
)

func main() {
	if err := app.Run(); err != nil {
		log.Fatal(err)
	}
}
