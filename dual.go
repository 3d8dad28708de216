// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package busrpc

import (
	"errors"
	"fmt"
)

// DualService is one service identity exposed on a public and a private
// bus. The private bus serves every public method as well as the private
// ones.
//
// Registration is not atomic across the two buses: when the second bus
// fails after the first committed, the returned *PartialRegistrationError
// says which bus holds the category. Append is idempotent, so repeating
// the call is a valid recovery.
type DualService struct {
	public  *Handle
	private *Handle
}

// NewDualService composes two handles. The DualService owns them from now on.
func NewDualService(public, private *Handle) (*DualService, error) {
	if public == nil || private == nil {
		return nil, fmt.Errorf("%w: dual service needs both handles", ErrNoHandle)
	}
	if public == private {
		return nil, errors.New("busrpc: public and private handle must differ")
	}
	return &DualService{public: public, private: private}, nil
}

// RegisterDualService creates both handles of a service. Options are applied
// to both; publicOpts and privateOpts carry side-specific ones such as the
// transport.
func RegisterDualService(name string, publicOpts, privateOpts []HandleOption, opts ...HandleOption) (*DualService, error) {
	public := RegisterService(name, true, append(append([]HandleOption{}, opts...), publicOpts...)...)
	private := RegisterService(name, false, append(append([]HandleOption{}, opts...), privateOpts...)...)
	return NewDualService(public, private)
}

func (d *DualService) Public() *Handle  { return d.public }
func (d *DualService) Private() *Handle { return d.private }
func (d *DualService) Name() string     { return d.private.Name() }

func (d *DualService) String() string {
	return fmt.Sprintf("dual service %q", d.private.Name())
}

// RegisterCategory appends methodsPublic and signals to the public bus, and
// methodsPrivate, signals and methodsPublic to the private bus. Signals are
// registered once per bus.
func (d *DualService) RegisterCategory(category string, methodsPublic, methodsPrivate []Method, signals []Signal) error {
	path := NormalizeCategory(category)

	if err := d.public.RegisterCategoryAppend(category, methodsPublic, signals); err != nil {
		return err
	}
	if err := d.private.RegisterCategoryAppend(category, methodsPrivate, signals); err != nil {
		return &PartialRegistrationError{Category: path, Committed: []Bus{BusPublic}, Failed: BusPrivate, Err: err}
	}
	if err := d.private.RegisterCategoryAppend(category, methodsPublic, nil); err != nil {
		return &PartialRegistrationError{Category: path, Committed: []Bus{BusPublic}, Failed: BusPrivate, Err: err}
	}
	return nil
}

// SetCategoryData sets the category user data on both buses.
func (d *DualService) SetCategoryData(category string, data any) error {
	if err := d.public.SetCategoryData(category, data); err != nil {
		return err
	}
	if err := d.private.SetCategoryData(category, data); err != nil {
		return &PartialRegistrationError{Category: NormalizeCategory(category), Committed: []Bus{BusPublic}, Failed: BusPrivate, Err: err}
	}
	return nil
}

// SetCategoryDescription applies a description on both buses.
func (d *DualService) SetCategoryDescription(category string, doc map[string]any) error {
	if err := d.public.SetCategoryDescription(category, doc); err != nil {
		return err
	}
	if err := d.private.SetCategoryDescription(category, doc); err != nil {
		return &PartialRegistrationError{Category: NormalizeCategory(category), Committed: []Bus{BusPublic}, Failed: BusPrivate, Err: err}
	}
	return nil
}

// PushRole pushes the role file on both buses.
func (d *DualService) PushRole(path string) error {
	return errors.Join(d.public.PushRole(path), d.private.PushRole(path))
}

// AttachToLoop attaches both handles to loop.
func (d *DualService) AttachToLoop(loop *Loop) error {
	return errors.Join(d.public.AttachToLoop(loop), d.private.AttachToLoop(loop))
}

// SetPriority sets the loop priority of both handles.
func (d *DualService) SetPriority(priority int) error {
	return errors.Join(d.public.SetPriority(priority), d.private.SetPriority(priority))
}

// Close closes both handles.
func (d *DualService) Close() error {
	return errors.Join(d.public.Close(), d.private.Close())
}
