package main

import "github.com/GetwithitMan/gwi-pos-sub000/internal/cli"

func main() {
	cli.Execute()
}
