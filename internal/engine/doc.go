// Package engine defines the contract between the pool host and a parallel
// compute engine. The engine owns its worker threads once they attach and
// exposes named operations that the host invokes on behalf of the manager.
package engine
