package mocks

//go:generate mockgen -destination=./mock_eventstore.go -package=mocks github.com/rxtech-lab/argo-ledger/internal/eventstore Store
//go:generate mockgen -destination=./mock_ledger.go -package=mocks github.com/rxtech-lab/argo-ledger/internal/ledger Ledger
//go:generate mockgen -destination=./mock_pricing.go -package=mocks github.com/rxtech-lab/argo-ledger/internal/pricing Source
