// Copyright 2024 The solray Authors
// This file is part of the solray library.
//
// The solray library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The solray library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the solray library. If not, see <http://www.gnu.org/licenses/>.

package tpu

import (
	"bufio"
	"crypto/sha256"
	"net"
	"os"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/pkg/errors"

	"github.com/solraylabs/solray/core/types"
)

// leadersFileMaxAge is how stale the leaders file may be before it is
// rejected. Routing to yesterday's leaders must fail loudly, not silently.
const leadersFileMaxAge = time.Second

// FileOracle is a development stand-in for the leader-schedule oracle: a
// text file with one IPv4:port per line, rotated round-robin over slots.
// Identities are derived from the address so the file stays trivial to
// write by hand. Production deployments replace this with the real oracle.
type FileOracle struct {
	identities []solana.PublicKey
	addrs      map[solana.PublicKey]string
}

// LoadLeadersFile parses path and asserts its freshness by mtime.
func LoadLeadersFile(path string) (*FileOracle, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, errors.Wrap(err, "stat leaders file")
	}
	if age := time.Since(info.ModTime()); age > leadersFileMaxAge {
		return nil, errors.Errorf("leaders file %s is stale (%s old)", path, age)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open leaders file")
	}
	defer f.Close()

	oracle := &FileOracle{addrs: make(map[solana.PublicKey]string)}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if _, err := net.ResolveUDPAddr("udp4", line); err != nil {
			return nil, errors.Wrapf(err, "bad leader address %q", line)
		}
		identity := solana.PublicKeyFromBytes(addressDigest(line))
		oracle.identities = append(oracle.identities, identity)
		oracle.addrs[identity] = line
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "read leaders file")
	}
	if len(oracle.identities) == 0 {
		return nil, errors.Errorf("leaders file %s is empty", path)
	}
	return oracle, nil
}

func addressDigest(addr string) []byte {
	sum := sha256.Sum256([]byte(addr))
	return sum[:]
}

func (o *FileOracle) LeaderOf(slot types.Slot) (solana.PublicKey, bool) {
	return o.identities[int(slot)%len(o.identities)], true
}

func (o *FileOracle) TPUAddrOf(identity solana.PublicKey) (string, bool) {
	addr, ok := o.addrs[identity]
	return addr, ok
}
