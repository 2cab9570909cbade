package main

import "chat-core/internal/app"

func main() {
	app.Run()
}
