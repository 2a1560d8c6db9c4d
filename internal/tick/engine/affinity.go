package engine

// BindKind says what a task is bound to, if anything.
type BindKind int

const (
	BindNone BindKind = iota
	BindEntity
	BindLocation
)

func (k BindKind) String() string {
	switch k {
	case BindEntity:
		return "entity"
	case BindLocation:
		return "location"
	default:
		return "none"
	}
}

// Binding is a weak, non-owning reference to a simulated object. The engine
// never dereferences Ref; it only hands it back to the Resolver to ask
// "is this still valid, and who owns it". Holding a Binding must never be the
// reason the bound object stays alive.
//
// Ref must be comparable (an id string, integer, or comparable struct key,
// not a slice/map/func): resolvers key their ownership tables on it.
type Binding struct {
	Kind BindKind
	Ref  any
}

// ResolveState is the outcome of an ownership resolution.
type ResolveState int

const (
	// ResolveOwned: the object exists and Owner is its current worker.
	ResolveOwned ResolveState = iota
	// ResolveUnowned: the object exists but no worker currently owns it
	// (mid-migration, region unloaded). The task waits and retries.
	ResolveUnowned
	// ResolveGone: the object no longer exists. The task is retired.
	ResolveGone
)

// Resolution is the answer to "who owns this binding right now".
type Resolution struct {
	State ResolveState
	Owner WorkerID
}

func Owned(w WorkerID) Resolution { return Resolution{State: ResolveOwned, Owner: w} }
func Unowned() Resolution         { return Resolution{State: ResolveUnowned} }
func Gone() Resolution            { return Resolution{State: ResolveGone} }

// Resolver is supplied by the host platform, which is the only party that
// knows current entity/location ownership. Resolve is called once at submit
// to pick the initial queue and again immediately before every execution
// attempt of a bound task; migration between two resolutions is expected
// behavior, not an error.
//
// Resolve is called from every worker on every due bound task, so
// implementations should be read-mostly concurrent structures.
type Resolver interface {
	Resolve(b Binding) Resolution
}

// ResolverFunc adapts a function to the Resolver interface.
type ResolverFunc func(b Binding) Resolution

func (f ResolverFunc) Resolve(b Binding) Resolution { return f(b) }
