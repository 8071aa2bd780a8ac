// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package media

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"github.com/pion/srtp/v2"
	"golang.org/x/crypto/hkdf"
)

const (
	srtpProfile = srtp.ProtectionProfileAes128CmHmacSha1_80
	srtpKeyLen  = 16
	srtpSaltLen = 14
)

var ErrEmptyKey = errors.New("empty call key")

// srtpContexts derives per direction SRTP contexts from the shared call key.
// Caller side sends with "caller" keys and receives with "callee" keys, callee the opposite.
func srtpContexts(key []byte, isOutgoing bool) (local *srtp.Context, remote *srtp.Context, err error) {
	if len(key) == 0 {
		return nil, nil, ErrEmptyKey
	}

	localInfo, remoteInfo := "callee", "caller"
	if isOutgoing {
		localInfo, remoteInfo = remoteInfo, localInfo
	}

	local, err = deriveSRTPContext(key, localInfo)
	if err != nil {
		return nil, nil, err
	}
	remote, err = deriveSRTPContext(key, remoteInfo)
	if err != nil {
		return nil, nil, err
	}
	return local, remote, nil
}

func deriveSRTPContext(key []byte, info string) (*srtp.Context, error) {
	keyLen := srtpKeyLen
	material := make([]byte, srtpKeyLen+srtpSaltLen)
	if _, err := io.ReadFull(hkdf.New(sha256.New, key, nil, []byte(info)), material); err != nil {
		return nil, fmt.Errorf("derive %s key: %w", info, err)
	}

	ctx, err := srtp.CreateContext(material[:keyLen], material[keyLen:], srtpProfile)
	if err != nil {
		return nil, fmt.Errorf("create srtp context: %w", err)
	}
	return ctx, nil
}
