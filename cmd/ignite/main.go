// Package main is the entry point for ignite, the arc-framework deployment
// bootstrapper. It provisions the database, applies migrations, seeds the
// initial accounts and starts deployment processes in dependency order.
package main

func main() {
	Execute()
}
