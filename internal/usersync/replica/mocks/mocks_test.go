package mocks_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/mock/gomock"

	"gamehub/internal/usersync/replica"
	"gamehub/internal/usersync/replica/mocks"
)

// Both interfaces named in the go:generate directive have a mock.
var (
	_ replica.Reader = (*mocks.MockReader)(nil)
	_ replica.Store  = (*mocks.MockStore)(nil)
)

func TestMockStore_SatisfiesReaderToo(t *testing.T) {
	ctrl := gomock.NewController(t)
	store := mocks.NewMockStore(ctrl)
	store.EXPECT().List(gomock.Any(), 5).Return(nil, nil)

	var reader replica.Reader = store
	got, err := reader.List(context.Background(), 5)
	assert.NoError(t, err)
	assert.Nil(t, got)
}
