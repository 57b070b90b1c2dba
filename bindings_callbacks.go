package sqlite3

import (
	"math/bits"
	"sync"
	"unsafe"

	"modernc.org/libc"
	lib "modernc.org/sqlite/lib"
)

// first, define the public hook and SQL function types

// AuthAction identifies the operation an authorizer is consulted about.
type AuthAction int32

const (
	AUTH_CREATE_INDEX        AuthAction = lib.SQLITE_CREATE_INDEX
	AUTH_CREATE_TABLE        AuthAction = lib.SQLITE_CREATE_TABLE
	AUTH_CREATE_TEMP_INDEX   AuthAction = lib.SQLITE_CREATE_TEMP_INDEX
	AUTH_CREATE_TEMP_TABLE   AuthAction = lib.SQLITE_CREATE_TEMP_TABLE
	AUTH_CREATE_TEMP_TRIGGER AuthAction = lib.SQLITE_CREATE_TEMP_TRIGGER
	AUTH_CREATE_TEMP_VIEW    AuthAction = lib.SQLITE_CREATE_TEMP_VIEW
	AUTH_CREATE_TRIGGER      AuthAction = lib.SQLITE_CREATE_TRIGGER
	AUTH_CREATE_VIEW         AuthAction = lib.SQLITE_CREATE_VIEW
	AUTH_DELETE              AuthAction = lib.SQLITE_DELETE
	AUTH_DROP_INDEX          AuthAction = lib.SQLITE_DROP_INDEX
	AUTH_DROP_TABLE          AuthAction = lib.SQLITE_DROP_TABLE
	AUTH_DROP_TEMP_INDEX     AuthAction = lib.SQLITE_DROP_TEMP_INDEX
	AUTH_DROP_TEMP_TABLE     AuthAction = lib.SQLITE_DROP_TEMP_TABLE
	AUTH_DROP_TEMP_TRIGGER   AuthAction = lib.SQLITE_DROP_TEMP_TRIGGER
	AUTH_DROP_TEMP_VIEW      AuthAction = lib.SQLITE_DROP_TEMP_VIEW
	AUTH_DROP_TRIGGER        AuthAction = lib.SQLITE_DROP_TRIGGER
	AUTH_DROP_VIEW           AuthAction = lib.SQLITE_DROP_VIEW
	AUTH_INSERT              AuthAction = lib.SQLITE_INSERT
	AUTH_PRAGMA              AuthAction = lib.SQLITE_PRAGMA
	AUTH_READ                AuthAction = lib.SQLITE_READ
	AUTH_SELECT              AuthAction = lib.SQLITE_SELECT
	AUTH_TRANSACTION         AuthAction = lib.SQLITE_TRANSACTION
	AUTH_UPDATE              AuthAction = lib.SQLITE_UPDATE
	AUTH_ATTACH              AuthAction = lib.SQLITE_ATTACH
	AUTH_DETACH              AuthAction = lib.SQLITE_DETACH
	AUTH_ALTER_TABLE         AuthAction = lib.SQLITE_ALTER_TABLE
	AUTH_REINDEX             AuthAction = lib.SQLITE_REINDEX
	AUTH_ANALYZE             AuthAction = lib.SQLITE_ANALYZE
	AUTH_CREATE_VTABLE       AuthAction = lib.SQLITE_CREATE_VTABLE
	AUTH_DROP_VTABLE         AuthAction = lib.SQLITE_DROP_VTABLE
	AUTH_FUNCTION            AuthAction = lib.SQLITE_FUNCTION
	AUTH_SAVEPOINT           AuthAction = lib.SQLITE_SAVEPOINT
	AUTH_RECURSIVE           AuthAction = lib.SQLITE_RECURSIVE
)

// AuthResult is an authorizer's verdict on one operation.
type AuthResult int32

const (
	AUTH_OK     AuthResult = lib.SQLITE_OK     // allow the operation
	AUTH_DENY   AuthResult = lib.SQLITE_DENY   // fail the statement with an authorization error
	AUTH_IGNORE AuthResult = lib.SQLITE_IGNORE // silently deny, substituting NULL
)

// Authorizer vets each operation as SQL is compiled. Native NULL string
// arguments arrive as "". Any verdict other than AUTH_OK, AUTH_DENY or
// AUTH_IGNORE is treated as AUTH_IGNORE.
type Authorizer func(action AuthAction, arg1, arg2, arg3, arg4 string) AuthResult

// BusyHandler decides whether a blocked call keeps waiting. count is how
// many times the handler has run for the current contention. Returning
// false aborts the blocked call with SQLITE_BUSY.
type BusyHandler func(count int) bool

// TraceHook observes the text of each statement as it starts running.
type TraceHook func(sql string)

// ScalarFunction is a host-defined SQL function with a declared arity.
type ScalarFunction interface {
	// Arity is the declared argument count; -1 declares a variadic function.
	Arity() int
	// Invoke evaluates one call. An error aborts the calling statement.
	Invoke(args []any) (any, error)
}

// ScalarFunc adapts a closure into a ScalarFunction with a fixed arity.
func ScalarFunc(arity int, fn func(args []any) (any, error)) ScalarFunction {
	return &scalarFunc{arity: arity, fn: fn}
}

type scalarFunc struct {
	arity int
	fn    func(args []any) (any, error)
}

func (f *scalarFunc) Arity() int                     { return f.arity }
func (f *scalarFunc) Invoke(args []any) (any, error) { return f.fn(args) }

// Aggregator is a host-defined aggregate SQL function. The one value
// registered is stepped for every input row and asked for the final
// value at the end of each group; the registering Database retains it
// until the name is replaced or the handle closes.
type Aggregator interface {
	Arity() int
	Step(args []any) error
	Final() (any, error)
}

// Hooks cross the native boundary as a fixed trampoline plus a context
// pointer. The context pointer can never be a Go pointer, so each
// installed hook gets an idGen ID, the ID rides in the registration's
// pApp argument and the trampoline resolves it in a registry.
type registry[T any] struct {
	mu  sync.RWMutex
	m   map[uintptr]T
	ids idGen
}

func newRegistry[T any]() *registry[T] {
	return &registry[T]{m: make(map[uintptr]T)}
}

func (r *registry[T]) put(v T) uintptr {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.ids.next()
	r.m[id] = v
	return id
}

func (r *registry[T]) get(id uintptr) T {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.m[id]
}

func (r *registry[T]) drop(id uintptr) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.m, id)
	r.ids.reclaim(id)
}

var (
	xScalars      = newRegistry[ScalarFunction]()
	xAggregators  = newRegistry[Aggregator]()
	xBusyHandlers = newRegistry[BusyHandler]()
	xAuthorizers  = newRegistry[Authorizer]()
	xTraceHooks   = newRegistry[TraceHook]()
)

// idGen hands out small reusable IDs. Bit n of the bitset marks ID n+1
// as live.
type idGen struct {
	bitset []uint64
}

func (gen *idGen) next() uintptr {
	base := uintptr(1)
	for i := 0; i < len(gen.bitset); i, base = i+1, base+64 {
		b := gen.bitset[i]
		if b != 1<<64-1 {
			n := uintptr(bits.TrailingZeros64(^b))
			gen.bitset[i] |= 1 << n
			return base + n
		}
	}
	gen.bitset = append(gen.bitset, 1)
	return base
}

func (gen *idGen) reclaim(id uintptr) {
	bit := id - 1
	gen.bitset[bit/64] &^= 1 << (bit % 64)
}

// cFuncPointer converts a function defined by a function declaration to a
// C pointer the engine can call back. It assumes the memory representation
// described in https://golang.org/s/go11func; the result of using it on a
// closure is undefined, so every trampoline below is a package-level
// declaration.
func cFuncPointer[T any](f T) uintptr {
	return *(*uintptr)(unsafe.Pointer(&struct{ f T }{f}))
}

// mask funcTrampoline and friends are registered with
const traceStmtMask = uint32(lib.SQLITE_TRACE_STMT)

// errorResult reports err as the failure of the current SQL function call.
func errorResult(tls *libc.TLS, ctx uintptr, res error) {
	errmsg, err := libc.CString(res.Error())
	if err != nil {
		lib.Xsqlite3_result_error_nomem(tls, ctx)
		return
	}
	defer libc.Xfree(tls, errmsg)
	lib.Xsqlite3_result_error(tls, ctx, errmsg, -1)
	lib.Xsqlite3_result_error_code(tls, ctx, lib.SQLITE_ERROR)
}

func funcTrampoline(tls *libc.TLS, ctx uintptr, argc int32, argv uintptr) {
	fn := xScalars.get(lib.Xsqlite3_user_data(tls, ctx))
	if fn == nil {
		return
	}

	args, err := functionArgs(tls, argc, argv)
	if err != nil {
		errorResult(tls, ctx, err)
		return
	}
	res, err := fn.Invoke(args)
	if err != nil {
		errorResult(tls, ctx, err)
		return
	}
	if err := resultValue(tls, ctx, res); err != nil {
		errorResult(tls, ctx, err)
	}
}

func stepTrampoline(tls *libc.TLS, ctx uintptr, argc int32, argv uintptr) {
	agg := xAggregators.get(lib.Xsqlite3_user_data(tls, ctx))
	if agg == nil {
		return
	}

	args, err := functionArgs(tls, argc, argv)
	if err != nil {
		errorResult(tls, ctx, err)
		return
	}
	if err := agg.Step(args); err != nil {
		errorResult(tls, ctx, err)
	}
}

func finalTrampoline(tls *libc.TLS, ctx uintptr) {
	agg := xAggregators.get(lib.Xsqlite3_user_data(tls, ctx))
	if agg == nil {
		return
	}

	res, err := agg.Final()
	if err != nil {
		errorResult(tls, ctx, err)
		return
	}
	if err := resultValue(tls, ctx, res); err != nil {
		errorResult(tls, ctx, err)
	}
}

func busyTrampoline(tls *libc.TLS, pArg uintptr, count int32) int32 {
	fn := xBusyHandlers.get(pArg)
	if fn == nil || !fn(int(count)) {
		return 0
	}
	return 1
}

func authorizerTrampoline(tls *libc.TLS, pArg uintptr, action int32, zArg1, zArg2, zArg3, zArg4 uintptr) int32 {
	fn := xAuthorizers.get(pArg)
	if fn == nil {
		return lib.SQLITE_OK
	}

	verdict := fn(AuthAction(action),
		libc.GoString(zArg1), libc.GoString(zArg2),
		libc.GoString(zArg3), libc.GoString(zArg4))
	switch verdict {
	case AUTH_OK, AUTH_DENY, AUTH_IGNORE:
		return int32(verdict)
	default:
		return int32(AUTH_IGNORE)
	}
}

// traceTrampoline fires on SQLITE_TRACE_STMT events; pX carries the
// statement text as it was prepared.
func traceTrampoline(tls *libc.TLS, mask uint32, pCtx uintptr, pP uintptr, pX uintptr) int32 {
	if mask != traceStmtMask {
		return 0
	}
	if fn := xTraceHooks.get(pCtx); fn != nil {
		fn(libc.GoString(pX))
	}
	return 0
}

// Go wrappers over the transpiled C engine

/**
Register or replace a SQL function under name. Scalars pass xFunc and zero
for the rest; aggregates pass zero for xFunc and wire xStep plus xFinal.
pApp carries the registry ID the trampolines resolve.
*/
func sqlite3_create_function(tls *libc.TLS, db uintptr, name string, nArg int, pApp uintptr, xFunc, xStep, xFinal uintptr) error {
	zName, err := libc.CString(name)
	if err != nil {
		return err
	}
	defer libc.Xfree(tls, zName)
	rc := lib.Xsqlite3_create_function(tls, db, zName, int32(nArg), lib.SQLITE_UTF8, pApp, xFunc, xStep, xFinal)
	if rc != lib.SQLITE_OK {
		return errstr(tls, db, rc)
	}
	return nil
}

/** Install xBusy as the connection's busy handler; zero clears it */
func sqlite3_busy_handler(tls *libc.TLS, db uintptr, xBusy uintptr, pArg uintptr) error {
	if rc := lib.Xsqlite3_busy_handler(tls, db, xBusy, pArg); rc != lib.SQLITE_OK {
		return errstr(tls, db, rc)
	}
	return nil
}

/** Install xAuth as the connection's compile-time authorizer; zero clears it */
func sqlite3_set_authorizer(tls *libc.TLS, db uintptr, xAuth uintptr, pArg uintptr) error {
	if rc := lib.Xsqlite3_set_authorizer(tls, db, xAuth, pArg); rc != lib.SQLITE_OK {
		return errstr(tls, db, rc)
	}
	return nil
}

/** Install xCallback for the masked trace events; a zero mask clears tracing */
func sqlite3_trace_v2(tls *libc.TLS, db uintptr, mask uint32, xCallback uintptr, pCtx uintptr) error {
	if rc := lib.Xsqlite3_trace_v2(tls, db, mask, xCallback, pCtx); rc != lib.SQLITE_OK {
		return errstr(tls, db, rc)
	}
	return nil
}
