// memoir is the operator CLI for the memoir daemon. It reads the daemon's
// project database directly, so it works whether or not memoird is running.
package main
