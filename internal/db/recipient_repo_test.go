package db

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"relaypoint/internal/types"
)

func TestRecipientRepository_Resolve_SingleUser(t *testing.T) {
	db := new(mockDBTX)
	repo := NewRecipientRepository(db)

	row := &mockRow{
		scanFn: func(dest ...any) error {
			*dest[0].(*string) = "u1"
			return nil
		},
	}
	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).Return(row)

	ids, err := repo.Resolve(context.Background(), "t1", types.ResolveSingleUser, "u1", "")
	require.NoError(t, err)
	assert.Equal(t, []string{"u1"}, ids)
}

func TestRecipientRepository_Resolve_EmptyHintDefaultsToSingleUser(t *testing.T) {
	db := new(mockDBTX)
	repo := NewRecipientRepository(db)

	row := &mockRow{
		scanFn: func(dest ...any) error {
			*dest[0].(*string) = "u1"
			return nil
		},
	}
	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).Return(row)

	ids, err := repo.Resolve(context.Background(), "t1", "", "u1", "")
	require.NoError(t, err)
	assert.Equal(t, []string{"u1"}, ids)
}

func TestRecipientRepository_Resolve_SingleUser_MissingID(t *testing.T) {
	db := new(mockDBTX)
	repo := NewRecipientRepository(db)

	_, err := repo.Resolve(context.Background(), "t1", types.ResolveSingleUser, "", "")
	require.Error(t, err)

	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeValidationInvalidTarget, appErr.Code)
	db.AssertNotCalled(t, "QueryRow")
}

func TestRecipientRepository_Resolve_SingleUser_NotFound(t *testing.T) {
	db := new(mockDBTX)
	repo := NewRecipientRepository(db)

	row := &mockRow{scanErr: pgx.ErrNoRows}
	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).Return(row)

	_, err := repo.Resolve(context.Background(), "t1", types.ResolveSingleUser, "ghost", "")
	require.Error(t, err)

	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeNotFoundUser, appErr.Code)
}

func TestRecipientRepository_Resolve_TenantUsers(t *testing.T) {
	db := new(mockDBTX)
	repo := NewRecipientRepository(db)

	rows := newMockRows([][]any{{"u1"}, {"u2"}, {"u3"}})
	db.On("Query", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(rows, nil)

	ids, err := repo.Resolve(context.Background(), "t1", types.ResolveTenantUsers, "", "")
	require.NoError(t, err)
	assert.Equal(t, []string{"u1", "u2", "u3"}, ids)
}

func TestRecipientRepository_Resolve_TenantByRole(t *testing.T) {
	db := new(mockDBTX)
	repo := NewRecipientRepository(db)

	var captured []any
	rows := newMockRows([][]any{{"admin1"}})
	db.On("Query", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Run(func(args mock.Arguments) { captured = args.Get(2).([]any) }).
		Return(rows, nil)

	ids, err := repo.Resolve(context.Background(), "t1", types.ResolveTenantByRole, "", types.RoleAdmin)
	require.NoError(t, err)
	assert.Equal(t, []string{"admin1"}, ids)
	require.Len(t, captured, 2)
	assert.Equal(t, "admin", captured[1])
}

func TestRecipientRepository_Resolve_TenantByRole_MissingRole(t *testing.T) {
	db := new(mockDBTX)
	repo := NewRecipientRepository(db)

	_, err := repo.Resolve(context.Background(), "t1", types.ResolveTenantByRole, "", "")
	require.Error(t, err)

	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeValidationInvalidTarget, appErr.Code)
}

func TestRecipientRepository_Resolve_UnknownHint(t *testing.T) {
	db := new(mockDBTX)
	repo := NewRecipientRepository(db)

	_, err := repo.Resolve(context.Background(), "t1", "broadcast_all", "", "")
	require.Error(t, err)

	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeValidationInvalidTarget, appErr.Code)
}

func TestRecipientRepository_DisabledChannels(t *testing.T) {
	db := new(mockDBTX)
	repo := NewRecipientRepository(db)

	rows := newMockRows([][]any{{"email"}, {"sms"}})
	db.On("Query", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(rows, nil)

	disabled, err := repo.DisabledChannels(context.Background(), "t1", "u1")
	require.NoError(t, err)
	assert.Equal(t, []types.ChannelType{types.ChannelEmail, types.ChannelSMS}, disabled)
}

func TestRecipientRepository_DisabledChannels_NoPreferences(t *testing.T) {
	db := new(mockDBTX)
	repo := NewRecipientRepository(db)

	db.On("Query", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(newMockRows(nil), nil)

	disabled, err := repo.DisabledChannels(context.Background(), "t1", "u1")
	require.NoError(t, err)
	assert.Empty(t, disabled)
}

func TestRecipientRepository_DisabledChannels_DBError(t *testing.T) {
	db := new(mockDBTX)
	repo := NewRecipientRepository(db)

	db.On("Query", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(nil, errors.New("connection refused"))

	_, err := repo.DisabledChannels(context.Background(), "t1", "u1")
	require.Error(t, err)

	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeInternalDB, appErr.Code)
}
