// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package main

import (
	"io/ioutil"
	"path/filepath"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/ec2"
	"github.com/aws/aws-sdk-go/service/ec2/ec2iface"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigsim/simconfig"
	"github.com/grailbio/testutil"
	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/testutil/expect"
)

type fakeEC2 struct {
	ec2iface.EC2API

	groups     []*ec2.SecurityGroup
	vpcs       []*ec2.Vpc
	created    []string
	authorized []*ec2.AuthorizeSecurityGroupIngressInput
	tags       []*ec2.CreateTagsInput
}

func (f *fakeEC2) DescribeSecurityGroups(in *ec2.DescribeSecurityGroupsInput) (*ec2.DescribeSecurityGroupsOutput, error) {
	name := aws.StringValue(in.Filters[0].Values[0])
	var out ec2.DescribeSecurityGroupsOutput
	for _, g := range f.groups {
		if aws.StringValue(g.GroupName) == name {
			out.SecurityGroups = append(out.SecurityGroups, g)
		}
	}
	return &out, nil
}

func (f *fakeEC2) DescribeVpcs(*ec2.DescribeVpcsInput) (*ec2.DescribeVpcsOutput, error) {
	return &ec2.DescribeVpcsOutput{Vpcs: f.vpcs}, nil
}

func (f *fakeEC2) CreateSecurityGroup(in *ec2.CreateSecurityGroupInput) (*ec2.CreateSecurityGroupOutput, error) {
	id := "sg-" + aws.StringValue(in.GroupName)
	f.created = append(f.created, id)
	f.groups = append(f.groups, &ec2.SecurityGroup{GroupName: in.GroupName, GroupId: aws.String(id)})
	return &ec2.CreateSecurityGroupOutput{GroupId: aws.String(id)}, nil
}

func (f *fakeEC2) AuthorizeSecurityGroupIngress(in *ec2.AuthorizeSecurityGroupIngressInput) (*ec2.AuthorizeSecurityGroupIngressOutput, error) {
	f.authorized = append(f.authorized, in)
	return &ec2.AuthorizeSecurityGroupIngressOutput{}, nil
}

func (f *fakeEC2) CreateTags(in *ec2.CreateTagsInput) (*ec2.CreateTagsOutput, error) {
	f.tags = append(f.tags, in)
	return &ec2.CreateTagsOutput{}, nil
}

func TestSetupSecurityGroup(t *testing.T) {
	api := &fakeEC2{
		vpcs: []*ec2.Vpc{{VpcId: aws.String("vpc-1"), CidrBlock: aws.String("10.0.0.0/16")}},
	}
	id, err := setupSecurityGroup(api, "bigsim")
	assert.NoError(t, err)
	expect.EQ(t, id, "sg-bigsim")
	expect.EQ(t, api.created, []string{"sg-bigsim"})
	if got, want := len(api.authorized), 1; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	perms := api.authorized[0].IpPermissions
	if got, want := len(perms), 3; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	expect.EQ(t, aws.StringValue(perms[0].IpRanges[0].CidrIp), "10.0.0.0/16")
	expect.EQ(t, aws.Int64Value(perms[1].FromPort), int64(22))
	expect.EQ(t, aws.Int64Value(perms[2].FromPort), int64(443))
	expect.EQ(t, aws.StringValue(api.tags[0].Tags[0].Key), groupTag)

	// A second setup finds the group.
	id, err = setupSecurityGroup(api, "bigsim")
	assert.NoError(t, err)
	expect.EQ(t, id, "sg-bigsim")
	expect.EQ(t, len(api.created), 1)
}

func TestSetupSecurityGroupNoVPC(t *testing.T) {
	_, err := setupSecurityGroup(&fakeEC2{}, "bigsim")
	if !errors.Is(errors.NotExist, err) {
		t.Errorf("got %v, want NotExist", err)
	}
}

func TestConfigure(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	path := filepath.Join(dir, "config")
	profile, err := simconfig.ReadProfile(path)
	assert.NoError(t, err)
	assert.NoError(t, configure(profile, "m5.xlarge"))
	assert.NoError(t, simconfig.WriteProfile(path, profile))
	p, err := ioutil.ReadFile(path)
	assert.NoError(t, err)
	if !strings.Contains(string(p), "m5.xlarge") {
		t.Errorf("instance type missing from profile:\n%s", p)
	}
	profile, err = simconfig.ReadProfile(path)
	assert.NoError(t, err)
	v, ok := profile.Get("bigmachine/ec2system.instance")
	expect.True(t, ok)
	expect.EQ(t, strings.Trim(v, `"`), "m5.xlarge")
}
