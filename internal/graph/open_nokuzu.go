//go:build !cgo

package graph

import "errors"

func openKuzu(string) (Store, error) {
	return nil, errors.New("graph: kuzu driver requires a cgo build")
}
