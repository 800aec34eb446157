//go:build !linux
// +build !linux

package iface

// stubAddrLister reports no addresses on non-linux hosts.
type stubAddrLister struct{}

func newAddrLister() AddrLister {
	return &stubAddrLister{}
}

func (l *stubAddrLister) Addrs(name string) ([]string, error) {
	return nil, nil
}
