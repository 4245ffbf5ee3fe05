//go:build !govips || !cgo

package preprocess

func Startup() error {
	return nil
}

func Shutdown() {}

func newPreparer(opts Options) (Preparer, error) {
	return stdlibPreparer{opts: opts}, nil
}
