// Package conn holds connection plumbing shared by relayd listeners,
// workers, and upstream links: keepalive listeners with socket options,
// idle-deadline connections, buffered connections, and copy buffers.
package conn
