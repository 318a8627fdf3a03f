// Command gateway runs the AI completion gateway.
package main

func main() {
	Execute()
}
