package ipc

func named(name string) address {
	return address{name: "@" + name}
}
