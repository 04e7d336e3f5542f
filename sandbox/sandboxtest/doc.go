// Package sandboxtest provides an in-memory sandbox.Runtime for tests.
//
// Containers are plain structs. Python payloads built by the protocol package
// are run by a stub interpreter that understands a handful of statement
// forms:
//
//	import x / from x import y / pass / # comment
//	name = <literal or name or a + b>
//	print(<expr>)
//	time.sleep(<seconds>)
//	raise Name("message")
//
// Transient payloads start from the state they carry; persistent payloads
// share one namespace per container, standing in for the pickle store.
package sandboxtest
