package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConditionValidate(t *testing.T) {
	tests := []struct {
		name      string
		condition Condition
		wantErr   bool
	}{
		{
			name:      "valid numeric leaf",
			condition: Condition{Field: FieldAmount, Op: OpGte, Value: 100000},
		},
		{
			name:      "valid string leaf",
			condition: Condition{Field: FieldCurrency, Op: OpEq, Value: "USD"},
		},
		{
			name:      "valid in operator",
			condition: Condition{Field: FieldDepartment, Op: OpIn, Value: []any{"trading", "logistics"}},
		},
		{
			name: "valid nested tree",
			condition: Condition{All: []Condition{
				{Field: FieldAmount, Op: OpGt, Value: 50000},
				{Any: []Condition{
					{Field: FieldCurrency, Op: OpEq, Value: "USD"},
					{Not: &Condition{Field: FieldDepartment, Op: OpEq, Value: "trading"}},
				}},
			}},
		},
		{
			name:      "unknown field",
			condition: Condition{Field: "vendor_id", Op: OpEq, Value: "x"},
			wantErr:   true,
		},
		{
			name:      "string operator on numeric field",
			condition: Condition{Field: FieldAmount, Op: OpIn, Value: []any{"1"}},
			wantErr:   true,
		},
		{
			name:      "ordering operator on string field",
			condition: Condition{Field: FieldCurrency, Op: OpGt, Value: "USD"},
			wantErr:   true,
		},
		{
			name:      "non-numeric value for numeric field",
			condition: Condition{Field: FieldAmount, Op: OpGte, Value: "lots"},
			wantErr:   true,
		},
		{
			name:      "unknown role value rejected",
			condition: Condition{Field: FieldRequesterRole, Op: OpEq, Value: "superuser"},
			wantErr:   true,
		},
		{
			name:      "role list validated element-wise",
			condition: Condition{Field: FieldRequesterRole, Op: OpIn, Value: []any{"purchaser", "intern"}},
			wantErr:   true,
		},
		{
			name: "two node kinds on one node",
			condition: Condition{
				All:   []Condition{{Field: FieldAmount, Op: OpGt, Value: 1}},
				Field: FieldCurrency, Op: OpEq, Value: "USD",
			},
			wantErr: true,
		},
		{
			name: "invalid child fails the parent",
			condition: Condition{Any: []Condition{
				{Field: FieldCurrency, Op: OpEq, Value: "EUR"},
				{Field: "no_such_field", Op: OpEq, Value: "x"},
			}},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.condition.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestConditionEvaluate(t *testing.T) {
	ctx := &RequestContext{
		OperationType: "purchase_order.confirm",
		EntityType:    "purchase_order",
		EntityID:      "po-001",
		RequesterRole: RolePurchaser,
		Amount:        250000,
		Currency:      "USD",
		Department:    "trading",
	}

	tests := []struct {
		name      string
		condition *Condition
		want      bool
	}{
		{name: "nil condition is vacuously true", condition: nil, want: true},
		{name: "amount gte match", condition: &Condition{Field: FieldAmount, Op: OpGte, Value: 250000}, want: true},
		{name: "amount gt miss on equal", condition: &Condition{Field: FieldAmount, Op: OpGt, Value: 250000}, want: false},
		{name: "amount lt", condition: &Condition{Field: FieldAmount, Op: OpLt, Value: 300000}, want: true},
		{name: "currency eq", condition: &Condition{Field: FieldCurrency, Op: OpEq, Value: "USD"}, want: true},
		{name: "currency ne", condition: &Condition{Field: FieldCurrency, Op: OpNe, Value: "USD"}, want: false},
		{name: "requester role in list", condition: &Condition{Field: FieldRequesterRole, Op: OpIn, Value: []any{"purchaser", "salesperson"}}, want: true},
		{name: "department in miss", condition: &Condition{Field: FieldDepartment, Op: OpIn, Value: []any{"finance"}}, want: false},
		{
			name: "all requires every child",
			condition: &Condition{All: []Condition{
				{Field: FieldAmount, Op: OpGte, Value: 100000},
				{Field: FieldCurrency, Op: OpEq, Value: "EUR"},
			}},
			want: false,
		},
		{
			name: "any requires one child",
			condition: &Condition{Any: []Condition{
				{Field: FieldCurrency, Op: OpEq, Value: "EUR"},
				{Field: FieldDepartment, Op: OpEq, Value: "trading"},
			}},
			want: true,
		},
		{
			name:      "not inverts",
			condition: &Condition{Not: &Condition{Field: FieldCurrency, Op: OpEq, Value: "USD"}},
			want:      false,
		},
		{
			name: "nested tree",
			condition: &Condition{All: []Condition{
				{Field: FieldAmount, Op: OpGte, Value: 200000},
				{Not: &Condition{Field: FieldRequesterRole, Op: OpEq, Value: "admin"}},
			}},
			want: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.condition.Evaluate(ctx))
		})
	}
}

func TestParseCondition(t *testing.T) {
	t.Run("empty document means no condition", func(t *testing.T) {
		c, err := ParseCondition(nil)
		require.NoError(t, err)
		assert.Nil(t, c)

		c, err = ParseCondition([]byte(`{}`))
		require.NoError(t, err)
		assert.Nil(t, c)
	})

	t.Run("round-trips through stored form", func(t *testing.T) {
		original := &Condition{All: []Condition{
			{Field: FieldAmount, Op: OpGte, Value: 500000},
			{Field: FieldCurrency, Op: OpIn, Value: []any{"USD", "EUR"}},
		}}
		data, err := original.MarshalJSONBytes()
		require.NoError(t, err)

		parsed, err := ParseCondition(data)
		require.NoError(t, err)
		require.NotNil(t, parsed)

		ctx := &RequestContext{Amount: 600000, Currency: "EUR"}
		assert.True(t, parsed.Evaluate(ctx))
		ctx.Amount = 100
		assert.False(t, parsed.Evaluate(ctx))
	})

	t.Run("invalid tree rejected at parse time", func(t *testing.T) {
		_, err := ParseCondition([]byte(`{"field":"vendor_id","op":"eq","value":"v1"}`))
		assert.Error(t, err)
	})

	t.Run("json numbers evaluate against int64 context", func(t *testing.T) {
		parsed, err := ParseCondition([]byte(`{"field":"amount","op":"gt","value":100000}`))
		require.NoError(t, err)
		assert.True(t, parsed.Evaluate(&RequestContext{Amount: 100001}))
		assert.False(t, parsed.Evaluate(&RequestContext{Amount: 100000}))
	})
}
