package cfg

import "fmt"

// Validate checks the invariants the rest of the pod assumes about its
// configuration before anything is mounted.
func (c Config) Validate() error {
	if c.Local.Hostname == "" {
		return fmt.Errorf("hostname must not be empty")
	}
	if c.Local.BindURL == "" {
		return fmt.Errorf("bind-url must not be empty")
	}
	if c.Local.MountPoint == "" {
		return fmt.Errorf("mount-point must not be empty")
	}
	if c.Global.RedundancyFactor < 1 {
		return fmt.Errorf("redundancy-factor must be at least 1, got %d", c.Global.RedundancyFactor)
	}
	if c.Local.LockWait <= 0 {
		return fmt.Errorf("lock-wait must be positive")
	}
	return nil
}
