package store

import (
	"context"
	"errors"

	"gothamvending/backend/internal/domain"
)

var (
	ErrNotFound = errors.New("not found")
	ErrInvalid  = errors.New("invalid input")
	ErrConflict = errors.New("already exists")
)

type Repository interface {
	ListMachines(ctx context.Context) ([]domain.Machine, error)
	CreateMachine(ctx context.Context, machine domain.Machine) (*domain.Machine, error)
	GetMachineByID(ctx context.Context, id string) (*domain.Machine, error)
	UpdateMachine(ctx context.Context, machine domain.Machine) (*domain.Machine, error)

	ListLocations(ctx context.Context) ([]domain.Location, error)
	CreateLocation(ctx context.Context, location domain.Location) (*domain.Location, error)
	GetLocationByID(ctx context.Context, id string) (*domain.Location, error)
	UpdateLocation(ctx context.Context, location domain.Location) (*domain.Location, error)

	ListProcessors(ctx context.Context) ([]domain.PaymentProcessor, error)
	CreateProcessor(ctx context.Context, processor domain.PaymentProcessor) (*domain.PaymentProcessor, error)

	ListMappings(ctx context.Context) ([]domain.MachineProcessorMapping, error)
	UpsertMapping(ctx context.Context, mapping domain.MachineProcessorMapping) (*domain.MachineProcessorMapping, error)
	DeleteMapping(ctx context.Context, machineID string) error

	CreateSale(ctx context.Context, sale domain.SaleLine, idempotencyKey string) (*domain.SaleLine, bool, error)
	ListSales(ctx context.Context, window domain.ReportingWindow) ([]domain.SaleLine, error)

	CreateInsurancePolicy(ctx context.Context, policy domain.InsurancePolicy) (*domain.InsurancePolicy, error)
	ListInsurancePolicies(ctx context.Context) ([]domain.InsurancePolicy, error)
	CreateInsuranceAllocation(ctx context.Context, allocation domain.InsuranceAllocation) (*domain.InsuranceAllocation, error)
	ListInsuranceAllocations(ctx context.Context) ([]domain.InsuranceAllocation, error)
	DeleteInsuranceAllocation(ctx context.Context, id string) error

	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, limit int) ([]domain.AuditLog, error)

	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}
