// Package process runs the external UI collaborator as a supervised child
// process and performs the relay's own self-respawn on restart.
//
// The manager launches a configured argv, captures its output into the
// relay log, and re-launches it with a fixed delay when it exits
// unexpectedly, up to a configurable attempt cap. Stop sends SIGTERM to the
// child's process group and escalates to SIGKILL after a grace period.
//
// Example usage:
//
//	mgr := process.NewManager(process.Config{
//	    Name:    "ui",
//	    Command: []string{"/usr/local/bin/loxrelay-ui", "--listen", ":8501"},
//	})
//	mgr.SetLogger(logger)
//
//	if err := mgr.Start(); err != nil {
//	    log.Fatal(err)
//	}
//	defer mgr.Stop()
package process
