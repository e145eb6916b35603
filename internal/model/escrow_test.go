package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanEscrowTransition(t *testing.T) {
	allowed := [][2]string{
		{EscrowStateHeld, EscrowStateUnlocked},
		{EscrowStateHeld, EscrowStateLockedForReview},
		{EscrowStateHeld, EscrowStateReversed},
		{EscrowStateLockedForReview, EscrowStateHeld},
		{EscrowStateLockedForReview, EscrowStateReversed},
		{EscrowStateUnlocked, EscrowStateClaimed},
		{EscrowStateUnlocked, EscrowStateReversed},
		{EscrowStateClaimed, EscrowStateReleased},
		{EscrowStateClaimed, EscrowStateUnlocked},
	}
	for _, tc := range allowed {
		assert.True(t, CanEscrowTransition(tc[0], tc[1]), "%s -> %s", tc[0], tc[1])
	}

	forbidden := [][2]string{
		{EscrowStateHeld, EscrowStateReleased},     // 未确认妥投不能打款
		{EscrowStateHeld, EscrowStateClaimed},      // 未解锁不能被认领
		{EscrowStateReleased, EscrowStateReversed}, // 已打款只能走追回条目
		{EscrowStateReleased, EscrowStateUnlocked},
		{EscrowStateReversed, EscrowStateHeld},
		{EscrowStateReversed, EscrowStateUnlocked},
		{EscrowStateUnlocked, EscrowStateReleased}, // 必须先认领
		{EscrowStateLockedForReview, EscrowStateUnlocked},
	}
	for _, tc := range forbidden {
		assert.False(t, CanEscrowTransition(tc[0], tc[1]), "%s -> %s", tc[0], tc[1])
	}
}
