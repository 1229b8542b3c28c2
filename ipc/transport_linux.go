package ipc

const defaultTransport = SeqPacket
