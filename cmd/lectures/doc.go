// Command lectures runs the lecture-notes service: the HTTP API, the stage
// workers, and operator commands for tasks and queues.
package main
