//go:build cgo

package graph

func openKuzu(path string) (Store, error) {
	if path == "" || path == ":memory:" {
		return NewKuzuStore()
	}
	return NewKuzuFileStore(path)
}
