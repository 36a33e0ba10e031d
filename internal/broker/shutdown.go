package broker

import "os"

// removeSocket unlinks the broker's Unix socket file, matching main()'s
// unlink(PH_SOCK_PATH) on clean shutdown. A missing file is not an error.
func removeSocket(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
