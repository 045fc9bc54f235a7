// Package commands implements the vaultlink CLI commands.
package commands
