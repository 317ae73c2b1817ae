// Package app contains the scenario runner's core logic. It defines the main
// App struct, its configuration, and the primary execution lifecycle,
// decoupled from any specific entrypoint like a CLI.
package app
