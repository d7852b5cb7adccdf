package repository

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ManuelReschke/ClubPay/internal/pkg/database/dbtest"
)

func TestFactoryReturnsSingleton(t *testing.T) {
	f := NewFactory(dbtest.Open(t))
	first := f.GetRepositories()
	assert.Same(t, first, f.GetRepositories())
	assert.NotNil(t, first.Payment)
	assert.NotNil(t, first.Webhook)
	assert.NotNil(t, first.Inbound)
}
