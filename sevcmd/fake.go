package sevcmd

// Fake is an in-memory Channel for tests. Handlers inspect and mutate the
// typed request the same way the firmware would; a nil handler reports
// success. Issued commands are recorded in order.
type Fake struct {
	PlatformHandler func(cmd Command, req interface{}) error
	GuestHandler    func(cmd Command, req interface{}) error

	PlatformCalls []Command
	GuestCalls    []Command
}

// Platform implements Channel.
func (f *Fake) Platform(cmd Command, req interface{}) error {
	f.PlatformCalls = append(f.PlatformCalls, cmd)
	if f.PlatformHandler == nil {
		return nil
	}
	return f.PlatformHandler(cmd, req)
}

// Guest implements Channel.
func (f *Fake) Guest(cmd Command, req interface{}) error {
	f.GuestCalls = append(f.GuestCalls, cmd)
	if f.GuestHandler == nil {
		return nil
	}
	return f.GuestHandler(cmd, req)
}
