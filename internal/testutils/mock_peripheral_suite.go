//go:build test

package testutils

import (
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/suite"
)

// MockBLEPeripheralSuite provides a reusable test suite with a fake GATT peripheral.
//
// Basic usage (default peripheral exposes only the Battery Service):
//
//	type SimpleSuite struct {
//	    testutils.MockBLEPeripheralSuite
//	}
//
//	func TestSimpleSuite(t *testing.T) {
//	    suite.Run(t, new(SimpleSuite))
//	}
//
// Custom device profile usage:
//
//	func (s *HTSSuite) SetupTest() {
//	    s.WithPeripheral().
//	        WithService("1809").
//	        WithCharacteristic("2A1C", "indicate", nil)
//
//	    s.MockBLEPeripheralSuite.SetupTest() // Call parent last to apply configuration
//	}
type MockBLEPeripheralSuite struct {
	suite.Suite

	Helper *TestHelper
	Logger *logrus.Logger

	TestTimeout time.Duration

	// PeripheralBuilder is consumed by SetupTest; Peripheral is the built fake.
	PeripheralBuilder *PeripheralDeviceBuilder
	Peripheral        *FakePeripheral
}

// SetupSuite is called once before all tests in the suite.
func (s *MockBLEPeripheralSuite) SetupSuite() {
	s.Helper = NewTestHelper(s.T())
	s.Logger = s.Helper.Logger
	s.TestTimeout = 2 * time.Second
	s.Logger.Debug("Suite setup completed")
}

// SetupTest builds the configured peripheral before each test.
func (s *MockBLEPeripheralSuite) SetupTest() {
	if s.PeripheralBuilder == nil {
		s.PeripheralBuilder = createDefaultPeripheralBuilder()
	}
	s.Peripheral = s.PeripheralBuilder.Build()
	s.Logger.Debug("Test setup completed - ready for execution")
}

// TearDownTest drops the link and resets the builder after each test.
func (s *MockBLEPeripheralSuite) TearDownTest() {
	if s.Peripheral != nil {
		s.Peripheral.DropLink()
	}
	s.Peripheral = nil
	s.PeripheralBuilder = nil
}

// WithPeripheral returns the peripheral builder for fluent configuration.
func (s *MockBLEPeripheralSuite) WithPeripheral() *PeripheralDeviceBuilder {
	if s.PeripheralBuilder == nil {
		s.PeripheralBuilder = NewPeripheralDeviceBuilder()
	}
	return s.PeripheralBuilder
}

// WaitUntil asserts that cond becomes true within the suite timeout.
func (s *MockBLEPeripheralSuite) WaitUntil(cond func() bool, msgAndArgs ...interface{}) {
	s.Require().True(WaitFor(s.TestTimeout, cond), msgAndArgs...)
}

// MustNotify pushes a notification once the characteristic has a subscriber.
func (s *MockBLEPeripheralSuite) MustNotify(service, char string, data []byte) {
	s.Require().True(s.Peripheral.WaitSubscribed(service, char, s.TestTimeout), "characteristic %s MUST be subscribed", char)
	s.Require().NoError(s.Peripheral.Notify(service, char, data))
}

// createDefaultPeripheralBuilder returns a peripheral with Battery Service (180F)
// and Battery Level characteristic (2A19) set to 50%.
func createDefaultPeripheralBuilder() *PeripheralDeviceBuilder {
	return NewPeripheralDeviceBuilder().
		FromJSON(`
		{
			"services": [
				{
					"uuid": "180F",
					"characteristics": [
						{ "uuid": "2A19", "properties": "read,notify", "value": [50] }
					]
				}
			]
		}`)
}
