// Package process provides subprocess lifecycle management.
//
// Air Vinyl drives several external tools: the audio capture command
// (arecord or sox), the device browsers (avahi-browse, dns-sd) and the
// raop_play transport. Each runs under a Manager.
//
// Features:
//   - Own process group per child, so Stop reaches grandchildren
//   - Graceful shutdown: SIGTERM, then SIGKILL after GracefulTimeout
//   - Optional stdout/stdin pipes handed to the caller as *os.File
//   - stderr (and stdout when not requested) logged at debug level
//   - Context-based cancellation kills the group
//
// Example usage:
//
//	mgr := process.NewManager(process.Config{
//	    Name:   "capture",
//	    Binary: "arecord",
//	    Args:   []string{"-t", "raw", "-f", "cd"},
//	    Stdout: true,
//	})
//	if err := mgr.Start(ctx); err != nil {
//	    return err
//	}
//	defer mgr.Stop()
//	io.Copy(dst, mgr.Stdout())
package process
