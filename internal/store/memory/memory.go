package memory

import (
	"context"
	"fmt"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/santialv/DOTENDERO-sub001/internal/domain"
	"github.com/santialv/DOTENDERO-sub001/internal/store"
	"github.com/santialv/DOTENDERO-sub001/internal/xid"
)

const DemoOrgID = "org-demo"

type Store struct {
	mu                  sync.RWMutex
	products            map[string]domain.Product
	customers           map[string]domain.Customer
	registers           map[string]domain.Register
	shiftsByID          map[string]domain.Shift
	openShiftByUser     map[string]string
	openShiftByRegister map[string]string
	movements           []domain.CashMovement
	salesByID           map[string]*domain.Sale
	salesByIdem         map[string]*domain.Sale
	saleSeq             map[string]int64
	auditLogs           []domain.AuditLog
	usersByUsername     map[string]domain.UserAccount
}

// New returns an empty ledger.
func New() *Store {
	return &Store{
		products:            make(map[string]domain.Product),
		customers:           make(map[string]domain.Customer),
		registers:           make(map[string]domain.Register),
		shiftsByID:          make(map[string]domain.Shift),
		openShiftByUser:     make(map[string]string),
		openShiftByRegister: make(map[string]string),
		movements:           make([]domain.CashMovement, 0, 64),
		salesByID:           make(map[string]*domain.Sale),
		salesByIdem:         make(map[string]*domain.Sale),
		saleSeq:             make(map[string]int64),
		auditLogs:           make([]domain.AuditLog, 0, 128),
		usersByUsername:     make(map[string]domain.UserAccount),
	}
}

// NewSeeded returns a ledger with a demo tenant: two registers, a small
// grocery catalog, one named customer and three user accounts.
func NewSeeded(orgID string) *Store {
	if orgID == "" {
		orgID = DemoOrgID
	}
	s := New()
	now := time.Now().UTC()

	for _, r := range []domain.Register{
		{ID: "reg-caja-1", Name: "Caja 1"},
		{ID: "reg-caja-2", Name: "Caja 2"},
	} {
		r.OrganizationID = orgID
		r.Status = domain.RegisterStatusActive
		r.CreatedAt = now
		s.registers[r.ID] = r
	}

	for _, p := range []domain.Product{
		{ID: "prod-arroz", SKU: "ARZ-500", Name: "Arroz 500g", Price: 3000, TaxRate: 0},
		{ID: "prod-leche", SKU: "LCH-1L", Name: "Leche entera 1L", Price: 5000, TaxRate: 0},
		{ID: "prod-cafe", SKU: "CAF-250", Name: "Cafe molido 250g", Price: 9800, TaxRate: 5},
		{ID: "prod-gaseosa", SKU: "GAS-400", Name: "Gaseosa 400ml", Price: 2500, TaxRate: 19},
		{ID: "prod-jabon", SKU: "JAB-3", Name: "Jabon de barra x3", Price: 8900, TaxRate: 19},
		{ID: "prod-pan", SKU: "PAN-TAJ", Name: "Pan tajado", Price: 6500, TaxRate: 0},
		{ID: "prod-huevos", SKU: "HUE-30", Name: "Huevos AA x30", Price: 16000, TaxRate: 0},
		{ID: "prod-bolsa", SKU: "BOL-01", Name: "Bolsa plastica", Price: 66, BagTax: 66},
	} {
		p.OrganizationID = orgID
		p.Stock = 120
		p.Active = true
		s.products[p.ID] = p
	}

	s.customers["cust-ana"] = domain.Customer{ID: "cust-ana", OrganizationID: orgID, Name: "Ana Gomez", Document: "1020304050"}
	s.usersByUsername = seedUsers(orgID, now)
	return s
}

// seedUsers builds the dev/demo accounts. Passwords come from
// SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD; the hardcoded defaults are
// only ever used by the in-memory ledger.
func seedUsers(orgID string, now time.Time) map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	cashierPwd := envOr("SEED_CASHIER_PASSWORD", "cashier123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_CASHIER_PASSWORD") == "" {
		zap.L().Named("memory-store").Warn("using default dev credentials; set SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD to override")
	}

	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		id       string
		username string
		name     string
		password string
		role     string
	}{
		{"usr-admin", "admin", "Administrador", adminPwd, domain.RoleAdmin},
		{"usr-cajero", "cajero", "Cajero Uno", cashierPwd, domain.RoleCashier},
		{"usr-cajero2", "cajero2", "Cajero Dos", cashierPwd, domain.RoleCashier},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			panic(fmt.Sprintf("memory-store: hash seed password for %s: %v", u.username, err))
		}
		users[u.username] = domain.UserAccount{
			ID:             u.id,
			OrganizationID: orgID,
			Username:       u.username,
			DisplayName:    u.name,
			Password:       string(hash),
			Role:           u.role,
			Active:         true,
			CreatedAt:      now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// AddProduct inserts or replaces a catalog entry.
func (s *Store) AddProduct(p domain.Product) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.products[p.ID] = p
}

// AddCustomer inserts or replaces a customer.
func (s *Store) AddCustomer(c domain.Customer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.customers[c.ID] = c
}

func (s *Store) ListProducts(_ context.Context, orgID string) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	products := make([]domain.Product, 0, len(s.products))
	for _, p := range s.products {
		if p.OrganizationID != orgID || !p.Active {
			continue
		}
		products = append(products, p)
	}
	slices.SortFunc(products, func(a, b domain.Product) int {
		return strings.Compare(a.Name, b.Name)
	})
	return products, nil
}

func (s *Store) ListCustomers(_ context.Context, orgID string) ([]domain.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	customers := make([]domain.Customer, 0, len(s.customers))
	for _, c := range s.customers {
		if c.OrganizationID == orgID {
			customers = append(customers, c)
		}
	}
	slices.SortFunc(customers, func(a, b domain.Customer) int {
		return strings.Compare(a.Name, b.Name)
	})
	return customers, nil
}

func (s *Store) GetCustomer(_ context.Context, orgID string, customerID string) (*domain.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.customers[customerID]
	if !ok || c.OrganizationID != orgID {
		return nil, store.ErrNotFound
	}
	return &c, nil
}

func (s *Store) ListRegisters(_ context.Context, orgID string) ([]domain.Register, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	registers := make([]domain.Register, 0, len(s.registers))
	for _, r := range s.registers {
		if r.OrganizationID != orgID || r.DeletedAt != nil {
			continue
		}
		registers = append(registers, r)
	}
	slices.SortFunc(registers, func(a, b domain.Register) int {
		if c := strings.Compare(a.Name, b.Name); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return registers, nil
}

func (s *Store) GetRegister(_ context.Context, orgID string, registerID string) (*domain.Register, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.lookupRegister(orgID, registerID)
	if !ok {
		return nil, store.ErrRegisterNotFound
	}
	return &r, nil
}

func (s *Store) CreateRegister(_ context.Context, register domain.Register) (*domain.Register, error) {
	register.Name = strings.TrimSpace(register.Name)
	if register.OrganizationID == "" || register.Name == "" {
		return nil, store.ErrValidation
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.registers {
		if existing.OrganizationID == register.OrganizationID && existing.DeletedAt == nil &&
			strings.EqualFold(existing.Name, register.Name) {
			return nil, store.ErrRegisterNameTaken
		}
	}
	if register.ID == "" {
		register.ID = xid.New("reg")
	}
	if register.Status == "" {
		register.Status = domain.RegisterStatusActive
	}
	if register.CreatedAt.IsZero() {
		register.CreatedAt = time.Now().UTC()
	}
	register.DeletedAt = nil
	s.registers[register.ID] = register
	saved := register
	return &saved, nil
}

func (s *Store) SetRegisterStatus(_ context.Context, orgID string, registerID string, status string) (*domain.Register, error) {
	if status != domain.RegisterStatusActive && status != domain.RegisterStatusInactive {
		return nil, store.ErrValidation
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.lookupRegister(orgID, registerID)
	if !ok {
		return nil, store.ErrRegisterNotFound
	}
	if status == domain.RegisterStatusInactive {
		if _, busy := s.openShiftByRegister[registerID]; busy {
			return nil, store.ErrRegisterInUse
		}
	}
	r.Status = status
	s.registers[registerID] = r
	return &r, nil
}

func (s *Store) DeleteRegister(_ context.Context, orgID string, registerID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.lookupRegister(orgID, registerID)
	if !ok {
		return store.ErrRegisterNotFound
	}
	if _, busy := s.openShiftByRegister[registerID]; busy {
		return store.ErrRegisterInUse
	}
	if at.IsZero() {
		at = time.Now().UTC()
	}
	r.Status = domain.RegisterStatusInactive
	r.DeletedAt = &at
	s.registers[registerID] = r
	return nil
}

// OpenShift checks both exclusivity rules and inserts the shift in one
// critical section, so two operators racing for a register cannot both win.
func (s *Store) OpenShift(_ context.Context, shift domain.Shift) (*domain.Shift, error) {
	if shift.OrganizationID == "" || shift.RegisterID == "" || shift.UserID == "" {
		return nil, store.ErrValidation
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	register, ok := s.lookupRegister(shift.OrganizationID, shift.RegisterID)
	if !ok {
		return nil, store.ErrRegisterNotFound
	}
	if register.Status != domain.RegisterStatusActive {
		return nil, store.ErrRegisterInactive
	}

	userKey := shiftUserKey(shift.OrganizationID, shift.UserID)
	if _, exists := s.openShiftByUser[userKey]; exists {
		return nil, store.ErrShiftAlreadyOpenForUser
	}
	if occupantID, exists := s.openShiftByRegister[shift.RegisterID]; exists {
		occupant := s.shiftsByID[occupantID]
		return nil, &store.RegisterInUseError{
			RegisterID:   shift.RegisterID,
			ShiftID:      occupant.ID,
			OperatorID:   occupant.UserID,
			OperatorName: occupant.OperatorName,
		}
	}

	if shift.ID == "" {
		shift.ID = xid.New("shift")
	}
	if shift.StartTime.IsZero() {
		shift.StartTime = time.Now().UTC()
	}
	if shift.InitialCash < 0 {
		shift.InitialCash = 0
	}
	shift.RegisterName = register.Name
	shift.Status = domain.ShiftStatusOpen
	shift.EndTime = nil
	shift.CountedCash = nil
	shift.ExpectedCash = nil
	shift.Difference = nil
	shift.ClosedBy = ""

	s.shiftsByID[shift.ID] = shift
	s.openShiftByUser[userKey] = shift.ID
	s.openShiftByRegister[shift.RegisterID] = shift.ID
	saved := cloneShift(shift)
	return &saved, nil
}

func (s *Store) CloseShift(_ context.Context, orgID string, shiftID string, countedCash int64, closedBy string, closedAt time.Time) (*domain.Shift, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	shift, ok := s.shiftsByID[shiftID]
	if !ok || shift.OrganizationID != orgID {
		return nil, store.ErrShiftNotFound
	}
	if shift.Status != domain.ShiftStatusOpen {
		return nil, store.ErrShiftAlreadyClosed
	}
	if closedAt.IsZero() {
		closedAt = time.Now().UTC()
	}

	var cashSales int64
	for _, sale := range s.salesByID {
		if sale.ShiftID == shiftID {
			cashSales += sale.CashAmount()
		}
	}
	var cashExpenses int64
	for _, mv := range s.movements {
		if mv.ShiftID == shiftID && mv.Kind == domain.CashMovementExpense {
			cashExpenses += mv.Amount
		}
	}

	expected := store.ExpectedCash(shift.InitialCash, cashSales, cashExpenses)
	difference := countedCash - expected
	shift.Status = domain.ShiftStatusClosed
	shift.EndTime = &closedAt
	shift.CountedCash = &countedCash
	shift.ExpectedCash = &expected
	shift.Difference = &difference
	shift.ClosedBy = closedBy

	s.shiftsByID[shiftID] = shift
	delete(s.openShiftByUser, shiftUserKey(shift.OrganizationID, shift.UserID))
	delete(s.openShiftByRegister, shift.RegisterID)
	saved := cloneShift(shift)
	return &saved, nil
}

func (s *Store) GetShift(_ context.Context, orgID string, shiftID string) (*domain.Shift, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	shift, ok := s.shiftsByID[shiftID]
	if !ok || shift.OrganizationID != orgID {
		return nil, store.ErrShiftNotFound
	}
	saved := cloneShift(shift)
	return &saved, nil
}

func (s *Store) GetOpenShiftByUser(_ context.Context, orgID string, userID string) (*domain.Shift, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	shiftID, ok := s.openShiftByUser[shiftUserKey(orgID, userID)]
	if !ok {
		return nil, store.ErrShiftNotFound
	}
	saved := cloneShift(s.shiftsByID[shiftID])
	return &saved, nil
}

func (s *Store) ListShifts(_ context.Context, orgID string, filter domain.ShiftFilter) ([]domain.Shift, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	limit := filter.Limit
	if limit < 1 {
		limit = 100
	}
	result := make([]domain.Shift, 0, 32)
	for _, shift := range s.shiftsByID {
		if shift.OrganizationID != orgID {
			continue
		}
		if filter.RegisterID != "" && shift.RegisterID != filter.RegisterID {
			continue
		}
		if filter.UserID != "" && shift.UserID != filter.UserID {
			continue
		}
		if filter.Status != "" && shift.Status != filter.Status {
			continue
		}
		result = append(result, cloneShift(shift))
	}
	slices.SortFunc(result, func(a, b domain.Shift) int {
		return b.StartTime.Compare(a.StartTime)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) CreateCashMovement(_ context.Context, movement domain.CashMovement) (*domain.CashMovement, error) {
	if movement.Amount < 1 || movement.Kind != domain.CashMovementExpense {
		return nil, store.ErrValidation
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	shift, ok := s.shiftsByID[movement.ShiftID]
	if !ok || shift.OrganizationID != movement.OrganizationID {
		return nil, store.ErrShiftNotFound
	}
	if shift.Status != domain.ShiftStatusOpen {
		return nil, store.ErrShiftAlreadyClosed
	}
	if movement.ID == "" {
		movement.ID = xid.New("mov")
	}
	if movement.CreatedAt.IsZero() {
		movement.CreatedAt = time.Now().UTC()
	}
	s.movements = append(s.movements, movement)
	saved := movement
	return &saved, nil
}

func (s *Store) ListCashMovements(_ context.Context, orgID string, shiftID string) ([]domain.CashMovement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.CashMovement, 0, 16)
	for _, mv := range s.movements {
		if mv.OrganizationID == orgID && mv.ShiftID == shiftID {
			result = append(result, mv)
		}
	}
	return result, nil
}

// ProcessSale settles a sale atomically: prices are re-read from the catalog,
// payments must equal the total and every line must have stock. Nothing is
// written unless all checks pass. A known idempotency key returns the
// original sale with duplicate=true.
func (s *Store) ProcessSale(_ context.Context, req domain.SaleRequest) (*domain.Sale, bool, error) {
	if req.OrganizationID == "" || req.SellerID == "" {
		return nil, false, store.ErrValidation
	}
	items, err := store.MergeSaleItems(req.Items)
	if err != nil {
		return nil, false, err
	}
	paid, err := store.ValidatePayments(req.Payments)
	if err != nil {
		return nil, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	idemKey := ""
	if req.IdempotencyKey != "" {
		idemKey = req.OrganizationID + "::" + req.IdempotencyKey
		if existing, ok := s.salesByIdem[idemKey]; ok {
			return cloneSale(existing), true, nil
		}
	}

	if req.CustomerID != "" {
		c, ok := s.customers[req.CustomerID]
		if !ok || c.OrganizationID != req.OrganizationID {
			return nil, false, fmt.Errorf("%w: customer %s", store.ErrNotFound, req.CustomerID)
		}
	}
	if req.ShiftID != "" {
		shift, ok := s.shiftsByID[req.ShiftID]
		if !ok || shift.OrganizationID != req.OrganizationID || shift.Status != domain.ShiftStatusOpen {
			return nil, false, fmt.Errorf("%w: shift is not open", store.ErrValidation)
		}
	}

	lines := make([]domain.SaleLine, 0, len(items))
	var total int64
	for _, item := range items {
		product, ok := s.products[item.ProductID]
		if !ok || product.OrganizationID != req.OrganizationID || !product.Active {
			return nil, false, fmt.Errorf("%w: product %s unavailable", store.ErrValidation, item.ProductID)
		}
		if product.Stock < item.Quantity {
			return nil, false, fmt.Errorf("%w: %s", store.ErrInsufficientStock, product.Name)
		}
		lines = append(lines, domain.SaleLine{
			ProductID: product.ID,
			Name:      product.Name,
			Quantity:  item.Quantity,
			UnitPrice: product.Price,
			TaxRate:   product.TaxRate,
			BagTax:    product.BagTax,
		})
		total += product.Price * int64(item.Quantity)
	}
	if paid != total {
		return nil, false, fmt.Errorf("%w: paid %d, total %d", store.ErrPaymentMismatch, paid, total)
	}

	for _, item := range items {
		product := s.products[item.ProductID]
		product.Stock -= item.Quantity
		s.products[item.ProductID] = product
	}

	s.saleSeq[req.OrganizationID]++
	createdAt := req.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	sale := &domain.Sale{
		ID:             xid.New("sale"),
		Number:         store.FormatSaleNumber(s.saleSeq[req.OrganizationID]),
		OrganizationID: req.OrganizationID,
		SellerID:       req.SellerID,
		CustomerID:     req.CustomerID,
		ShiftID:        req.ShiftID,
		IdempotencyKey: req.IdempotencyKey,
		Items:          lines,
		Payments:       slices.Clone(req.Payments),
		Total:          total,
		Tendered:       req.Tendered,
		Change:         req.Change,
		CreatedAt:      createdAt,
	}
	s.salesByID[sale.ID] = sale
	if idemKey != "" {
		s.salesByIdem[idemKey] = sale
	}
	return cloneSale(sale), false, nil
}

func (s *Store) GetSale(_ context.Context, orgID string, saleID string) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sale, ok := s.salesByID[saleID]
	if !ok || sale.OrganizationID != orgID {
		return nil, store.ErrNotFound
	}
	return cloneSale(sale), nil
}

func (s *Store) FindSaleByIdempotencyKey(_ context.Context, orgID string, key string) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sale, ok := s.salesByIdem[orgID+"::"+key]
	if !ok || key == "" {
		return nil, store.ErrNotFound
	}
	return cloneSale(sale), nil
}

func (s *Store) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.auditLogs = append(s.auditLogs, entry)
	return nil
}

func (s *Store) ListAuditLogs(_ context.Context, orgID string, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit < 1 {
		limit = 200
	}
	result := make([]domain.AuditLog, 0, limit)
	for i := len(s.auditLogs) - 1; i >= 0 && len(result) < limit; i-- {
		entry := s.auditLogs[i]
		if entry.OrganizationID != orgID {
			continue
		}
		if entry.CreatedAt.Before(from) || !entry.CreatedAt.Before(to) {
			continue
		}
		result = append(result, entry)
	}
	return result, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" || strings.TrimSpace(user.Password) == "" || user.OrganizationID == "" {
		return store.ErrValidation
	}
	if _, exists := s.usersByUsername[username]; exists {
		return store.ErrValidation
	}
	user.Username = username
	if user.ID == "" {
		user.ID = xid.New("usr")
	}
	if user.Role == "" {
		user.Role = domain.RoleCashier
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	user.Active = true
	s.usersByUsername[user.Username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, user := range s.usersByUsername {
		users = append(users, user)
	}
	slices.SortFunc(users, func(a, b domain.UserAccount) int {
		return strings.Compare(a.Username, b.Username)
	})
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrValidation
	}
	user, exists := s.usersByUsername[username]
	if !exists {
		return store.ErrNotFound
	}
	user.Password = password
	s.usersByUsername[username] = user
	return nil
}

func (s *Store) lookupRegister(orgID string, registerID string) (domain.Register, bool) {
	r, ok := s.registers[registerID]
	if !ok || r.OrganizationID != orgID || r.DeletedAt != nil {
		return domain.Register{}, false
	}
	return r, true
}

func shiftUserKey(orgID string, userID string) string {
	return orgID + "::" + userID
}

func cloneShift(src domain.Shift) domain.Shift {
	dup := src
	if src.EndTime != nil {
		at := *src.EndTime
		dup.EndTime = &at
	}
	dup.CountedCash = cloneAmount(src.CountedCash)
	dup.ExpectedCash = cloneAmount(src.ExpectedCash)
	dup.Difference = cloneAmount(src.Difference)
	return dup
}

func cloneAmount(v *int64) *int64 {
	if v == nil {
		return nil
	}
	dup := *v
	return &dup
}

func cloneSale(src *domain.Sale) *domain.Sale {
	if src == nil {
		return nil
	}
	dup := *src
	dup.Items = slices.Clone(src.Items)
	dup.Payments = slices.Clone(src.Payments)
	return &dup
}
