// Package acceptance drives the HTTP API end to end against in-process collaborators.
package acceptance
