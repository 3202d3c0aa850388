// Package sandbox embeds a JavaScript engine and calls script functions as
// blocking, typed Go calls.
//
// A Session owns one engine instance. Script text or an ES module graph is
// loaded into it, host functions are exposed as globals, and Call invokes a
// global script function by name:
//
//	s, err := sandbox.FromString(`function triple(a) { return 3 * a; }`)
//	if err != nil {
//		return err
//	}
//	defer s.Close()
//
//	n, err := sandbox.CallAs[int](s, "triple", 5) // 15
//
// Sync and async script functions are called the same way: a returned
// Promise is awaited and the event loop (timers, async host functions) is
// driven until nothing is left to run. A watchdog terminates calls that
// exceed the session timeout; a terminated session refuses further calls.
//
// The engine is chosen at build time: QuickJS by default, V8 with -tags v8
// and goja with -tags goja.
package sandbox
