package tpmwire

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"fmt"
	"math/big"
)

// ecdsaPublicKey mirrors ecdsa.PublicKey; kept distinct so this package's
// decode path never imports a concrete curve until the caller asks for one.
type ecdsaPublicKey struct {
	Curve elliptic.Curve
	X, Y  *big.Int
}

func (k *ecdsaPublicKey) std() *ecdsa.PublicKey {
	return &ecdsa.PublicKey{Curve: k.Curve, X: k.X, Y: k.Y}
}

func eccCurve(id uint16) (elliptic.Curve, error) {
	switch id {
	case eccCurveNistP256:
		return elliptic.P256(), nil
	case eccCurveNistP384:
		return elliptic.P384(), nil
	default:
		return nil, fmt.Errorf("tpmwire: unsupported ECC curve 0x%04x", id)
	}
}
