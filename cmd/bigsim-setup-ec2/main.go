// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Command bigsim-setup-ec2 prepares an AWS account to run bigsim
// jobs on EC2 and records the result in the bigsim profile.
//
// Usage:
//
//	bigsim-setup-ec2 [-securitygroup name] [-instance type]
//
// The command finds the security group tagged by a previous setup,
// or else creates one in the account's default VPC, with the
// following rules:
//
//	allowed: all traffic within the default VPC
//	allowed: all outbound
//	allowed: inbound SSH connections
//	allowed: inbound HTTPS connections (bigmachine RPC)
//
// It then configures the "bigsim" instance of the profile at
// simconfig.Path to run ranks on EC2 with that security group.
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/ec2"
	"github.com/aws/aws-sdk-go/service/ec2/ec2iface"
	"github.com/grailbio/base/config"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/must"

	// Registered so that the written profile shows every default.
	_ "github.com/grailbio/base/config/aws"
	_ "github.com/grailbio/bigmachine/ec2system"
	_ "github.com/grailbio/bigsim/exec"
	"github.com/grailbio/bigsim/simconfig"
)

// groupTag is the tag that marks security groups created by this
// command.
const groupTag = "bigsim-sg"

func usage() {
	fmt.Fprintf(os.Stderr, `usage: bigsim-setup-ec2 [flags]

Bigsim-setup-ec2 sets up a security group so that the ranks of bigsim
jobs can run on AWS EC2, and writes the resulting configuration to
%s, modifying it in place if it exists.

Flags:
`, simconfig.Path)
	flag.PrintDefaults()
	os.Exit(2)
}

func main() {
	var (
		group    = flag.String("securitygroup", "bigsim", "name of the security group to set up")
		instance = flag.String("instance", "c5.2xlarge", "EC2 instance type on which ranks run")
	)
	log.AddFlags()
	log.SetPrefix("bigsim-setup-ec2: ")
	must.Func = log.Fatal
	flag.Usage = usage
	flag.Parse()
	if flag.NArg() != 0 {
		flag.Usage()
	}
	profile, err := simconfig.ReadProfile(simconfig.Path)
	if err != nil {
		log.Fatal(err)
	}
	if region, ok := profile.Get("aws/env.region"); ok && len(region) > 0 {
		must.Nil(profile.Set("bigmachine/ec2system.default-region", strings.Trim(region, `"`)))
	}
	if v, ok := profile.Get("bigmachine/ec2system.security-group"); ok && v != `""` {
		log.Printf("security group %s already configured", v)
	} else {
		sess, err := session.NewSession()
		if err != nil {
			log.Fatalf("aws session: %v", err)
		}
		id, err := setupSecurityGroup(ec2.New(sess), *group)
		if err != nil {
			log.Fatal(err)
		}
		must.Nil(profile.Set("bigmachine/ec2system.security-group", id))
	}
	if err := configure(profile, *instance); err != nil {
		log.Fatal(err)
	}
	if err := simconfig.WriteProfile(simconfig.Path, profile); err != nil {
		log.Fatal(err)
	}
	log.Printf("wrote configuration to %s", simconfig.Path)
}

// configure sets up the bigsim instance of the profile to run ranks
// on EC2 instances of the given type.
func configure(profile *config.Profile, instance string) error {
	if err := profile.Set("bigsim.system", "bigmachine/ec2system"); err != nil {
		return err
	}
	return profile.Set("bigmachine/ec2system.instance", instance)
}

// setupSecurityGroup returns the ID of the bigsim security group
// with the provided name, creating it in the default VPC if it does
// not exist.
func setupSecurityGroup(api ec2iface.EC2API, name string) (string, error) {
	groups, err := api.DescribeSecurityGroups(&ec2.DescribeSecurityGroupsInput{
		Filters: []*ec2.Filter{{
			Name:   aws.String("group-name"),
			Values: []*string{aws.String(name)},
		}},
	})
	if err != nil {
		return "", errors.E(errors.Net, fmt.Sprintf("describe security group %s", name), err)
	}
	if len(groups.SecurityGroups) > 0 {
		id := aws.StringValue(groups.SecurityGroups[0].GroupId)
		log.Printf("found existing security group %s", id)
		return id, nil
	}
	vpcs, err := api.DescribeVpcs(&ec2.DescribeVpcsInput{
		Filters: []*ec2.Filter{{
			Name:   aws.String("isDefault"),
			Values: []*string{aws.String("true")},
		}},
	})
	if err != nil {
		return "", errors.E(errors.Net, "describe default VPC", err)
	}
	if len(vpcs.Vpcs) != 1 {
		return "", errors.E(errors.NotExist,
			fmt.Sprintf("account has %d default VPCs; security group %s needs manual setup", len(vpcs.Vpcs), name))
	}
	vpc := vpcs.Vpcs[0]
	log.Printf("creating security group %s in VPC %s", name, aws.StringValue(vpc.VpcId))
	created, err := api.CreateSecurityGroup(&ec2.CreateSecurityGroupInput{
		GroupName:   aws.String(name),
		Description: aws.String("security group for bigsim ranks, created by bigsim-setup-ec2"),
		VpcId:       vpc.VpcId,
	})
	if err != nil {
		return "", errors.E(errors.Net, fmt.Sprintf("create security group %s", name), err)
	}
	id := aws.StringValue(created.GroupId)
	_, err = api.AuthorizeSecurityGroupIngress(&ec2.AuthorizeSecurityGroupIngressInput{
		GroupName:     aws.String(name),
		IpPermissions: ingress(vpc.CidrBlock),
	})
	if err != nil {
		return "", errors.E(errors.Net, fmt.Sprintf("authorize ingress for security group %s", id), err)
	}
	_, err = api.CreateTags(&ec2.CreateTagsInput{
		Resources: []*string{aws.String(id)},
		Tags: []*ec2.Tag{
			{Key: aws.String(groupTag), Value: aws.String("true")},
			{Key: aws.String("Name"), Value: aws.String(name)},
		},
	})
	if err != nil {
		log.Error.Printf("tag security group %s: %v", id, err)
	}
	log.Printf("created security group %s", id)
	return id, nil
}

// ingress returns the inbound rules of the bigsim security group.
// Outbound traffic is allowed by default.
func ingress(vpcCidr *string) []*ec2.IpPermission {
	tcp := func(port int64) *ec2.IpPermission {
		return &ec2.IpPermission{
			IpProtocol: aws.String("tcp"),
			IpRanges:   []*ec2.IpRange{{CidrIp: aws.String("0.0.0.0/0")}},
			FromPort:   aws.Int64(port),
			ToPort:     aws.Int64(port),
		}
	}
	return []*ec2.IpPermission{
		{
			IpProtocol: aws.String("-1"),
			IpRanges:   []*ec2.IpRange{{CidrIp: vpcCidr}},
			FromPort:   aws.Int64(0),
			ToPort:     aws.Int64(0),
		},
		tcp(22),
		tcp(443),
	}
}
