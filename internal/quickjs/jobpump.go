//go:build !v8 && !goja

package quickjs

import (
	"errors"
	"fmt"
	"reflect"
	"unsafe"

	"modernc.org/libc"
	lib "modernc.org/libquickjs"
	"modernc.org/quickjs"
)

var errLayout = errors.New("quickjs.VM layout not recognised")

// vmInternals holds the C handles hidden inside a *quickjs.VM.
type vmInternals struct {
	ctx      uintptr
	cRuntime uintptr
	tls      *libc.TLS
}

// internalsOf reads the C handles out of vm. It depends on the layout of
// modernc.org/quickjs v0.17.1, where VM starts with its JSContext pointer and
// holds a *runtime whose fields are cRuntime and tls.
func internalsOf(vm *quickjs.VM) (in vmInternals, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%w: %v", errLayout, p)
		}
	}()

	in.ctx = *(*uintptr)(unsafe.Pointer(vm))
	if in.ctx == 0 {
		return in, fmt.Errorf("%w: nil JSContext", errLayout)
	}

	rtField := reflect.ValueOf(vm).Elem().FieldByName("runtime")
	if !rtField.IsValid() || rtField.IsNil() {
		return in, errLayout
	}
	rt := reflect.NewAt(rtField.Type().Elem(), unsafe.Pointer(rtField.Pointer())).Elem()

	cRuntime := rt.FieldByName("cRuntime")
	tls := rt.FieldByName("tls")
	if !cRuntime.IsValid() || !tls.IsValid() || tls.IsNil() {
		return in, errLayout
	}
	in.cRuntime = uintptr(cRuntime.Uint())
	in.tls = (*libc.TLS)(unsafe.Pointer(tls.Pointer()))
	return in, nil
}

// pumpJobs runs queued promise jobs until the queue is empty.
// modernc.org/quickjs never calls JS_ExecutePendingJob, so nothing awaited
// settles without it. A job that throws is dropped and the pump moves on.
func pumpJobs(tls *libc.TLS, cRuntime uintptr) (ran, failed int) {
	if tls == nil || cRuntime == 0 {
		return 0, 0
	}
	for {
		switch ret := lib.XJS_ExecutePendingJob(tls, cRuntime, 0); {
		case ret > 0:
			ran++
		case ret < 0:
			failed++
		default:
			return ran, failed
		}
	}
}
