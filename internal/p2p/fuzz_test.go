package p2p

import (
	"bufio"
	"bytes"
	"encoding/json"
	"testing"

	"github.com/jnodes/xorcoin/pkg/block"
	"github.com/jnodes/xorcoin/pkg/tx"
)

// FuzzReadMessage tests that arbitrary byte streams never panic when parsed
// as a framed wire message, regardless of truncation or corruption.
func FuzzReadMessage(f *testing.F) {
	f.Add([]byte{})
	f.Add(MagicBytes[:])
	f.Add(append(append([]byte{}, MagicBytes[:]...), make([]byte, headerSize-4)...))

	var valid bytes.Buffer
	_ = writeMessage(&valid, CmdPing, []byte{1, 2, 3, 4, 5, 6, 7, 8})
	f.Add(valid.Bytes())

	f.Fuzz(func(t *testing.T, data []byte) {
		r := bufio.NewReader(bytes.NewReader(data))
		_, _, _ = readMessage(r)
	})
}

// FuzzVersionMessageUnmarshal tests that arbitrary JSON does not panic
// when unmarshaled into a VersionMessage.
func FuzzVersionMessageUnmarshal(f *testing.F) {
	f.Add([]byte(`{"version":1,"genesis_hash":"0000000000000000000000000000000000000000000000000000000000000000","network_id":"main","user_agent":"xorcoin:0.1.0","start_height":0,"listen_port":8333,"nonce":1,"timestamp":1700000000}`))
	f.Add([]byte(`{}`))
	f.Add([]byte(`null`))
	f.Add([]byte(`{"genesis_hash":null,"listen_port":-1}`))

	f.Fuzz(func(t *testing.T, data []byte) {
		var msg VersionMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return
		}
		_ = msg.Version
		_ = msg.GenesisHash
		_ = msg.NetworkID
		_ = msg.ListenPort
		_ = msg.StartHeight
	})
}

// FuzzBlockMessageUnmarshal tests that arbitrary JSON does not panic
// when unmarshaled as a gossip block message.
func FuzzBlockMessageUnmarshal(f *testing.F) {
	f.Add([]byte(`{"header":{"version":1,"timestamp":1000,"height":0},"transactions":[]}`))
	f.Add([]byte(`{}`))
	f.Add([]byte(`{"header":null}`))

	f.Fuzz(func(t *testing.T, data []byte) {
		var blk block.Block
		if err := json.Unmarshal(data, &blk); err != nil {
			return
		}
		blk.Validate()
		blk.Hash()
	})
}

// FuzzTxMessageUnmarshal tests that arbitrary JSON does not panic
// when unmarshaled as a gossip transaction message.
func FuzzTxMessageUnmarshal(f *testing.F) {
	f.Add([]byte(`{"inputs":[],"outputs":[]}`))
	f.Add([]byte(`{}`))
	f.Add([]byte(`null`))

	f.Fuzz(func(t *testing.T, data []byte) {
		var t2 tx.Transaction
		if err := json.Unmarshal(data, &t2); err != nil {
			return
		}
		t2.Hash()
		t2.Validate()
	})
}
