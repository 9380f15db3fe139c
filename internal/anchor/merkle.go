// Package anchor batches VDF links into Merkle-rooted anchors and
// submits them to the external integrity ledger with retry.
package anchor

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/htms/backend/internal/core"
)

func hashData(data string) string {
	h := sha256.New()
	h.Write([]byte(data))
	return hex.EncodeToString(h.Sum(nil))
}

// MerkleRoot computes the root over the (seq, vdf_output) leaves of a
// link range. Odd levels duplicate the last node.
func MerkleRoot(links []*core.VdfLink) string {
	if len(links) == 0 {
		return ""
	}

	nodes := make([]string, len(links))
	for i, l := range links {
		nodes[i] = hashData(fmt.Sprintf("%d:%s", l.Seq, l.VdfOutput))
	}

	for len(nodes) > 1 {
		var next []string
		for i := 0; i < len(nodes); i += 2 {
			left := nodes[i]
			right := left
			if i+1 < len(nodes) {
				right = nodes[i+1]
			}
			next = append(next, hashData(left+right))
		}
		nodes = next
	}
	return nodes[0]
}
