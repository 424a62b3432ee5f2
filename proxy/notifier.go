package proxy

// Notifier validates /notify calls and maps them to a host command line.
type Notifier interface {
	// Allowed reports whether cmd may be requested at all. It is consulted
	// before authentication.
	Allowed(cmd string) bool
	// Resolve returns the argv to execute for cmd with the client's args.
	Resolve(cmd string, args []string) ([]string, error)
}

type disabledNotifier struct{}

func (disabledNotifier) Allowed(string) bool { return false }

func (disabledNotifier) Resolve(string, []string) ([]string, error) {
	return nil, ErrNotifyDisabled
}
