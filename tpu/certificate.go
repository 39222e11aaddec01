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
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/pkg/errors"
)

// SelfSignedCertificate derives the client TLS certificate from the node
// identity keypair. Validators do not verify it cryptographically (QoS is
// stake-weighted at the peer), but the handshake requires one and the
// embedded public key advertises the identity.
func SelfSignedCertificate(identity solana.PrivateKey) (tls.Certificate, error) {
	priv := ed25519.PrivateKey(identity)
	pub := priv.Public().(ed25519.PublicKey)

	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: solana.PublicKeyFromBytes(pub).String()},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
		IPAddresses:  []net.IP{net.IPv4zero},
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, pub, priv)
	if err != nil {
		return tls.Certificate{}, errors.Wrap(err, "create identity certificate")
	}
	return tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  priv,
	}, nil
}
