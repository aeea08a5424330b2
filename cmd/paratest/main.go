package main

import "github.com/leninalive/paratest/internal/app"

func main() {
	app.Run()
}
