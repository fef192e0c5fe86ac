package elock

type (
	// Locker is the command set every eLock server supports.
	Locker interface {
		SetTimeout(ms int) error
		Lock(key string, timeout int) (bool, error)
		Unlock(key string) (bool, error)
		UnlockAll() error
		Stats() (Stats, error)
		SessionId() (string, error)
		SetSessionId(id string) error
		Quit() error
		Close() error
	}

	// ExLocker adds the value lock and debug dump of extended servers.
	ExLocker interface {
		Locker
		LockValue(key, value string, timeout int) (bool, error)
		Debug() (*DebugInfo, error)
	}
)

var (
	_ Locker   = (*Client)(nil)
	_ ExLocker = (*ExClient)(nil)
)
