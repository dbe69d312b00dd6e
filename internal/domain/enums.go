package domain

import (
	"strings"

	"github.com/shopspring/decimal"
)

// Currency is an ISO-4217 code supported by the ledger.
type Currency string

const (
	USD Currency = "USD"
	EUR Currency = "EUR"
	GBP Currency = "GBP"
	JPY Currency = "JPY"
	CHF Currency = "CHF"
	CAD Currency = "CAD"
	AUD Currency = "AUD"
	CNY Currency = "CNY"
	INR Currency = "INR"
	KRW Currency = "KRW"
	SGD Currency = "SGD"
	HKD Currency = "HKD"
	NGN Currency = "NGN"
)

var currencyDecimalPlaces = map[Currency]int32{
	USD: 2, EUR: 2, GBP: 2, JPY: 0, CHF: 2, CAD: 2, AUD: 2,
	CNY: 2, INR: 2, KRW: 0, SGD: 2, HKD: 2, NGN: 2,
}

// ValidCurrency reports whether c is a supported currency.
func ValidCurrency(c Currency) bool {
	_, ok := currencyDecimalPlaces[c]
	return ok
}

// CurrencyDecimalPlaces returns the minor-unit precision for c (2 when unknown).
func CurrencyDecimalPlaces(c Currency) int32 {
	if places, ok := currencyDecimalPlaces[c]; ok {
		return places
	}
	return 2
}

// ParseCurrency normalizes a currency code.
func ParseCurrency(code string) (Currency, bool) {
	c := Currency(strings.ToUpper(strings.TrimSpace(code)))
	return c, ValidCurrency(c)
}

// AccountType classifies accounts; each type carries a daily limit default and
// whether the account may initiate outbound payments.
type AccountType string

const (
	AccountPersonal AccountType = "PERSONAL"
	AccountBusiness AccountType = "BUSINESS"
	AccountMerchant AccountType = "MERCHANT"
	AccountEscrow   AccountType = "ESCROW"
	AccountSystem   AccountType = "SYSTEM"
	AccountSavings  AccountType = "SAVINGS"
	AccountPremium  AccountType = "PREMIUM"
)

type accountTypeRule struct {
	dailyLimit      decimal.Decimal
	unlimited       bool
	canInitiatePays bool
}

var accountTypeRules = map[AccountType]accountTypeRule{
	AccountPersonal: {dailyLimit: decimal.NewFromInt(5000), canInitiatePays: true},
	AccountBusiness: {dailyLimit: decimal.NewFromInt(50000), canInitiatePays: true},
	AccountMerchant: {dailyLimit: decimal.NewFromInt(100000)},
	AccountEscrow:   {unlimited: true},
	AccountSystem:   {unlimited: true, canInitiatePays: true},
	AccountSavings:  {dailyLimit: decimal.NewFromInt(2000), canInitiatePays: true},
	AccountPremium:  {dailyLimit: decimal.NewFromInt(25000), canInitiatePays: true},
}

// ValidAccountType reports whether t is a known account type.
func ValidAccountType(t AccountType) bool {
	_, ok := accountTypeRules[t]
	return ok
}

// AccountTypeDailyLimit returns the type's daily limit. ok is false for
// unlimited types. The same value is the per-transaction ceiling for the type.
func AccountTypeDailyLimit(t AccountType) (limit decimal.Decimal, ok bool) {
	rule, found := accountTypeRules[t]
	if !found || rule.unlimited {
		return decimal.Zero, false
	}
	return rule.dailyLimit, true
}

// AccountTypeCanInitiatePayments reports whether accounts of type t may be the
// source of payments, transfers and withdrawals.
func AccountTypeCanInitiatePayments(t AccountType) bool {
	return accountTypeRules[t].canInitiatePays
}

// PaymentMethod is the rail a transaction is executed over.
type PaymentMethod string

const (
	MethodCreditCard     PaymentMethod = "CREDIT_CARD"
	MethodDebitCard      PaymentMethod = "DEBIT_CARD"
	MethodBankTransfer   PaymentMethod = "BANK_TRANSFER"
	MethodDigitalWallet  PaymentMethod = "DIGITAL_WALLET"
	MethodCash           PaymentMethod = "CASH"
	MethodCheck          PaymentMethod = "CHECK"
	MethodCryptocurrency PaymentMethod = "CRYPTOCURRENCY"
	MethodBNPL           PaymentMethod = "BUY_NOW_PAY_LATER"
)

var paymentMethodFeePercent = map[PaymentMethod]decimal.Decimal{
	MethodCreditCard:     decimal.RequireFromString("3.5"),
	MethodDebitCard:      decimal.RequireFromString("2.5"),
	MethodBankTransfer:   decimal.RequireFromString("1.0"),
	MethodDigitalWallet:  decimal.RequireFromString("3.0"),
	MethodCash:           decimal.Zero,
	MethodCheck:          decimal.RequireFromString("1.5"),
	MethodCryptocurrency: decimal.RequireFromString("2.0"),
	MethodBNPL:           decimal.RequireFromString("4.0"),
}

var oneHundred = decimal.NewFromInt(100)

// ValidPaymentMethod reports whether m is a known payment method.
func ValidPaymentMethod(m PaymentMethod) bool {
	_, ok := paymentMethodFeePercent[m]
	return ok
}

// ProcessingFee computes the rail fee for amount, rounded to the currency's minor unit.
func ProcessingFee(m PaymentMethod, amount Money) Money {
	pct, ok := paymentMethodFeePercent[m]
	if !ok || pct.IsZero() {
		return Zero(amount.Currency)
	}
	return Money{Amount: amount.Amount.Mul(pct).Div(oneHundred), Currency: amount.Currency}.Round()
}

// PaymentMethodSupportsRefunds is false for cash and check.
func PaymentMethodSupportsRefunds(m PaymentMethod) bool {
	return m != MethodCash && m != MethodCheck
}

// TransactionType describes the business intent of a transaction.
type TransactionType string

const (
	TypePayment    TransactionType = "PAYMENT"
	TypeRefund     TransactionType = "REFUND"
	TypeTransfer   TransactionType = "TRANSFER"
	TypeWithdrawal TransactionType = "WITHDRAWAL"
	TypeDeposit    TransactionType = "DEPOSIT"
	TypeReversal   TransactionType = "REVERSAL"
	TypeChargeback TransactionType = "CHARGEBACK"
)

// ValidTransactionType reports whether t is a known transaction type.
func ValidTransactionType(t TransactionType) bool {
	switch t {
	case TypePayment, TypeRefund, TypeTransfer, TypeWithdrawal, TypeDeposit, TypeReversal, TypeChargeback:
		return true
	}
	return false
}

// IsChildType reports whether t must reference a parent transaction.
func IsChildType(t TransactionType) bool {
	return t == TypeRefund || t == TypeReversal || t == TypeChargeback
}

// IsOutboundType reports whether t is an outbound movement initiated by the source account owner.
func IsOutboundType(t TransactionType) bool {
	return t == TypePayment || t == TypeTransfer || t == TypeWithdrawal
}

// TransactionStatus is a lifecycle state of a transaction.
type TransactionStatus string

const (
	StatusInitiated            TransactionStatus = "INITIATED"
	StatusPending              TransactionStatus = "PENDING"
	StatusProcessing           TransactionStatus = "PROCESSING"
	StatusSuccess              TransactionStatus = "SUCCESS"
	StatusFailed               TransactionStatus = "FAILED"
	StatusCancelled            TransactionStatus = "CANCELLED"
	StatusExpired              TransactionStatus = "EXPIRED"
	StatusRequiresVerification TransactionStatus = "REQUIRES_VERIFICATION"
	StatusOnHold               TransactionStatus = "ON_HOLD"
	StatusRefunded             TransactionStatus = "REFUNDED"
	StatusReversing            TransactionStatus = "REVERSING"
	StatusReversed             TransactionStatus = "REVERSED"
)

// IsTerminal reports whether no further transition is allowed from s.
func IsTerminal(s TransactionStatus) bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusCancelled, StatusExpired, StatusRefunded, StatusReversed:
		return true
	}
	return false
}

// IsCancellable reports whether cancel is legal from s.
func IsCancellable(s TransactionStatus) bool {
	return s == StatusInitiated || s == StatusPending || s == StatusRequiresVerification
}

// IsUnsuccessful reports whether s ended without moving money.
func IsUnsuccessful(s TransactionStatus) bool {
	return s == StatusFailed || s == StatusCancelled || s == StatusExpired
}

// ActiveStatuses are the non-terminal statuses considered by the sweeper.
var ActiveStatuses = []TransactionStatus{
	StatusInitiated, StatusPending, StatusProcessing, StatusRequiresVerification, StatusOnHold,
}
