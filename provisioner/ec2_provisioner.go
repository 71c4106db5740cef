package provisioner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2Types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/tunnelbench/tunnelbench/fleet"
	"github.com/tunnelbench/tunnelbench/retry"
	"github.com/tunnelbench/tunnelbench/target"
	"github.com/tunnelbench/tunnelbench/util"
	"golang.org/x/crypto/ssh"
	"golang.org/x/time/rate"
)

const vpcCidr = "10.0.0.0/16"

type ec2Provisioner struct {
	input   *EC2ProvisionerInput
	ec2     *ec2.Client
	limiter *rate.Limiter

	vpcID    *string
	subnetID *string
	igwID    *string
	sgID     *string
	keyName  *string
	keyID    *string
	signer   ssh.Signer
}

type EC2ProvisionerInput struct {
	AwsConfig aws.Config
	// SSHUser is the login user baked into the image. ubuntu by default.
	SSHUser string
	// LaunchRetries bounds RunInstances retries on capacity errors.
	LaunchRetries int
}

func NewEC2Provisioner(input *EC2ProvisionerInput) Provisioner {
	if input.SSHUser == "" {
		input.SSHUser = "ubuntu"
	}
	if input.LaunchRetries == 0 {
		input.LaunchRetries = 5
	}
	return &ec2Provisioner{
		input: input,
		ec2:   ec2.NewFromConfig(input.AwsConfig),
		// EC2 throttles DescribeInstances aggressively; pace polling.
		limiter: rate.NewLimiter(rate.Every(3*time.Second), 1),
	}
}

func (p *ec2Provisioner) Provision(ctx context.Context, spec fleet.FleetSpec) (*fleet.Fleet, error) {
	f := &fleet.Fleet{
		ID:   fmt.Sprintf("tunnelbench-%s", util.Randstring(8)),
		Spec: spec,
	}
	for _, m := range spec.Machines {
		f.VMs = append(f.VMs, fleet.VM{Name: m.Name, Role: m.Role, State: fleet.StatePending})
	}

	err := p.provision(ctx, f)
	if err != nil {
		// No partial silent success: roll back whatever exists, then report.
		if derr := p.Destroy(context.WithoutCancel(ctx), f); derr != nil {
			slog.Error("rollback after failed provisioning also failed", slog.String("error", derr.Error()))
		}
		return nil, &ProvisionError{Reason: err, Partial: f}
	}
	return f, nil
}

func (p *ec2Provisioner) provision(ctx context.Context, f *fleet.Fleet) error {
	vpc, err := p.ec2.CreateVpc(ctx, &ec2.CreateVpcInput{
		CidrBlock: aws.String(vpcCidr),
		TagSpecifications: []ec2Types.TagSpecification{{
			ResourceType: ec2Types.ResourceTypeVpc,
			Tags: []ec2Types.Tag{{
				Key:   aws.String("Name"),
				Value: aws.String(f.ID),
			}},
		}},
	})
	if err != nil {
		return err
	}
	slog.Debug("created VPC", slog.String("ID", *vpc.Vpc.VpcId))
	p.vpcID = vpc.Vpc.VpcId

	// This must be done in two requests
	_, err = p.ec2.ModifyVpcAttribute(ctx, &ec2.ModifyVpcAttributeInput{
		VpcId:            p.vpcID,
		EnableDnsSupport: &ec2Types.AttributeBooleanValue{Value: aws.Bool(true)},
	})
	if err != nil {
		return err
	}
	_, err = p.ec2.ModifyVpcAttribute(ctx, &ec2.ModifyVpcAttributeInput{
		VpcId:              p.vpcID,
		EnableDnsHostnames: &ec2Types.AttributeBooleanValue{Value: aws.Bool(true)},
	})
	if err != nil {
		return err
	}

	subnet, err := p.ec2.CreateSubnet(ctx, &ec2.CreateSubnetInput{
		VpcId:     p.vpcID,
		CidrBlock: aws.String(vpcCidr),
	})
	if err != nil {
		return err
	}
	slog.Debug("created subnet", slog.String("ID", *subnet.Subnet.SubnetId))
	p.subnetID = subnet.Subnet.SubnetId

	igw, err := p.ec2.CreateInternetGateway(ctx, &ec2.CreateInternetGatewayInput{})
	if err != nil {
		return err
	}
	slog.Debug("created internet gateway", slog.String("ID", *igw.InternetGateway.InternetGatewayId))
	p.igwID = igw.InternetGateway.InternetGatewayId

	_, err = p.ec2.AttachInternetGateway(ctx, &ec2.AttachInternetGatewayInput{
		InternetGatewayId: p.igwID,
		VpcId:             p.vpcID,
	})
	if err != nil {
		return err
	}

	// The VPC comes with a main route table so we don't make one
	routeTable, err := p.ec2.DescribeRouteTables(ctx, &ec2.DescribeRouteTablesInput{
		Filters: []ec2Types.Filter{
			{Name: aws.String("vpc-id"), Values: []string{*p.vpcID}},
		},
	})
	if err != nil {
		return err
	}
	_, err = p.ec2.CreateRoute(ctx, &ec2.CreateRouteInput{
		RouteTableId:         routeTable.RouteTables[0].RouteTableId,
		DestinationCidrBlock: aws.String("0.0.0.0/0"),
		GatewayId:            p.igwID,
	})
	if err != nil {
		return err
	}

	sg, err := p.ec2.CreateSecurityGroup(ctx, &ec2.CreateSecurityGroupInput{
		GroupName:   aws.String(f.ID),
		Description: aws.String(f.ID),
		VpcId:       p.vpcID,
	})
	if err != nil {
		return err
	}
	slog.Debug("created security group", slog.String("ID", *sg.GroupId))
	p.sgID = sg.GroupId

	// SSH from anywhere; tunnel and benchmark traffic flows between the VMs
	// over their public addresses, so open everything fleet-internal too.
	_, err = p.ec2.AuthorizeSecurityGroupIngress(ctx, &ec2.AuthorizeSecurityGroupIngressInput{
		GroupId: p.sgID,
		IpPermissions: []ec2Types.IpPermission{
			{
				FromPort:   aws.Int32(22),
				IpProtocol: aws.String("tcp"),
				IpRanges:   []ec2Types.IpRange{{CidrIp: aws.String("0.0.0.0/0")}},
				ToPort:     aws.Int32(22),
			},
			{
				IpProtocol:       aws.String("-1"),
				UserIdGroupPairs: []ec2Types.UserIdGroupPair{{GroupId: sg.GroupId}},
			},
		},
	})
	if err != nil {
		return err
	}

	keyPair, err := p.ec2.CreateKeyPair(ctx, &ec2.CreateKeyPairInput{
		KeyName:   aws.String(f.ID),
		KeyType:   ec2Types.KeyTypeEd25519,
		KeyFormat: ec2Types.KeyFormatPem,
	})
	if err != nil {
		return err
	}
	p.keyName = keyPair.KeyName
	p.keyID = keyPair.KeyPairId
	slog.Debug("created key pair", slog.String("ID", *p.keyID))
	p.signer, err = ssh.ParsePrivateKey([]byte(*keyPair.KeyMaterial))
	if err != nil {
		return err
	}

	for i := range f.VMs {
		err = p.launchInstance(ctx, f, &f.VMs[i])
		if err != nil {
			return fmt.Errorf("launching %s: %w", f.VMs[i].Name, err)
		}
	}

	if err := p.waitForAddresses(ctx, f); err != nil {
		return err
	}
	for i := range f.VMs {
		if err := p.waitForReachable(ctx, &f.VMs[i]); err != nil {
			return err
		}
		f.VMs[i].State = fleet.StateRunning
	}
	return nil
}

func (p *ec2Provisioner) launchInstance(ctx context.Context, f *fleet.Fleet, vm *fleet.VM) error {
	var resp *ec2.RunInstancesOutput
	err := retry.Fixed(p.input.LaunchRetries, 30*time.Second).Do(ctx, func() error {
		var err error
		resp, err = p.ec2.RunInstances(ctx, &ec2.RunInstancesInput{
			MinCount:     aws.Int32(1),
			MaxCount:     aws.Int32(1),
			ImageId:      aws.String(f.Spec.ImageID),
			InstanceType: ec2Types.InstanceType(f.Spec.MachineType),
			KeyName:      p.keyName,
			NetworkInterfaces: []ec2Types.InstanceNetworkInterfaceSpecification{
				{
					DeviceIndex:              aws.Int32(0),
					AssociatePublicIpAddress: aws.Bool(true),
					Groups:                   []string{*p.sgID},
					SubnetId:                 p.subnetID,
					DeleteOnTermination:      aws.Bool(true),
				},
			},
			TagSpecifications: []ec2Types.TagSpecification{{
				ResourceType: ec2Types.ResourceTypeInstance,
				Tags: []ec2Types.Tag{{
					Key:   aws.String("Name"),
					Value: aws.String(fmt.Sprintf("%s-%s", f.ID, vm.Name)),
				}},
			}},
		})
		if err != nil {
			slog.Debug("waiting to launch instance", slog.String("name", vm.Name), slog.String("error", err.Error()))
		}
		return err
	})
	if err != nil {
		return err
	}
	vm.InstanceID = *resp.Instances[0].InstanceId
	slog.Debug("launched instance", slog.String("name", vm.Name), slog.String("instanceID", vm.InstanceID))
	return nil
}

func (p *ec2Provisioner) waitForAddresses(ctx context.Context, f *fleet.Fleet) error {
	ids := []string{}
	for _, vm := range f.VMs {
		ids = append(ids, vm.InstanceID)
	}
	for {
		if err := p.limiter.Wait(ctx); err != nil {
			return err
		}
		resp, err := p.ec2.DescribeInstances(ctx, &ec2.DescribeInstancesInput{InstanceIds: ids})
		if err != nil {
			return err
		}
		pending := 0
		for _, res := range resp.Reservations {
			for _, ins := range res.Instances {
				vm := vmByInstanceID(f, *ins.InstanceId)
				if vm == nil {
					continue
				}
				if ins.PublicIpAddress == nil || ins.State.Name != ec2Types.InstanceStateNameRunning {
					pending++
					continue
				}
				vm.PublicAddr = *ins.PublicIpAddress
				if ins.PrivateIpAddress != nil {
					vm.PrivateAddr = *ins.PrivateIpAddress
				}
			}
		}
		if pending == 0 {
			return nil
		}
		slog.Debug("waiting for instances to get addresses", slog.Int("pending", pending))
	}
}

func (p *ec2Provisioner) waitForReachable(ctx context.Context, vm *fleet.VM) error {
	t, err := p.TargetFor(vm)
	if err != nil {
		return err
	}
	err = retry.Fixed(30, 10*time.Second).Do(ctx, func() error {
		buf, err := t.RunCommand("whoami")
		if err != nil {
			return err
		}
		if strings.TrimSpace(string(buf)) != p.input.SSHUser {
			return fmt.Errorf("unexpected user: %s", strings.TrimSpace(string(buf)))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("timed out waiting for %s to be reachable: %w", vm.Name, err)
	}
	slog.Debug("instance is reachable", slog.String("name", vm.Name), slog.String("ip", vm.PublicAddr))
	return nil
}

// Destroy releases everything in reverse creation order. Each deletion is
// best effort so one failure does not strand the rest; failures are
// collected and returned because a leaked resource keeps billing.
func (p *ec2Provisioner) Destroy(ctx context.Context, f *fleet.Fleet) error {
	var errs []error

	if f != nil {
		ids := []string{}
		for i := range f.VMs {
			if f.VMs[i].InstanceID != "" && f.VMs[i].State != fleet.StateTerminated {
				ids = append(ids, f.VMs[i].InstanceID)
			}
		}
		if len(ids) > 0 {
			_, err := p.ec2.TerminateInstances(ctx, &ec2.TerminateInstancesInput{InstanceIds: ids})
			if err != nil {
				slog.Error("TerminateInstances failed", slog.String("error", err.Error()))
				errs = append(errs, err)
			} else {
				// Wait for the instances to be terminated, otherwise the
				// network teardown below can fail on dependency errors.
				p.waitTerminated(ctx, ids)
				for i := range f.VMs {
					f.VMs[i].State = fleet.StateTerminated
				}
			}
		}
	}

	if p.keyID != nil {
		_, err := p.ec2.DeleteKeyPair(ctx, &ec2.DeleteKeyPairInput{KeyPairId: p.keyID})
		if err != nil {
			slog.Error("DeleteKeyPair failed", slog.String("error", err.Error()))
			errs = append(errs, err)
		} else {
			slog.Debug("deleted key pair", slog.String("ID", *p.keyID))
			p.keyID = nil
			p.keyName = nil
		}
	}

	if p.sgID != nil {
		_, err := p.ec2.DeleteSecurityGroup(ctx, &ec2.DeleteSecurityGroupInput{GroupId: p.sgID})
		if err != nil {
			slog.Error("DeleteSecurityGroup failed", slog.String("error", err.Error()))
			errs = append(errs, err)
		} else {
			slog.Debug("deleted security group", slog.String("ID", *p.sgID))
			p.sgID = nil
		}
	}

	if p.igwID != nil {
		_, err := p.ec2.DetachInternetGateway(ctx, &ec2.DetachInternetGatewayInput{
			VpcId:             p.vpcID,
			InternetGatewayId: p.igwID,
		})
		if err != nil {
			slog.Error("DetachInternetGateway failed", slog.String("error", err.Error()))
		}

		_, err = p.ec2.DeleteInternetGateway(ctx, &ec2.DeleteInternetGatewayInput{InternetGatewayId: p.igwID})
		if err != nil {
			slog.Error("DeleteInternetGateway failed", slog.String("error", err.Error()))
			errs = append(errs, err)
		} else {
			slog.Debug("deleted internet gateway", slog.String("ID", *p.igwID))
			p.igwID = nil
		}
	}

	if p.subnetID != nil {
		_, err := p.ec2.DeleteSubnet(ctx, &ec2.DeleteSubnetInput{SubnetId: p.subnetID})
		if err != nil {
			slog.Error("DeleteSubnet failed", slog.String("error", err.Error()))
			errs = append(errs, err)
		} else {
			slog.Debug("deleted subnet", slog.String("ID", *p.subnetID))
			p.subnetID = nil
		}
	}

	if p.vpcID != nil {
		_, err := p.ec2.DeleteVpc(ctx, &ec2.DeleteVpcInput{VpcId: p.vpcID})
		if err != nil {
			slog.Error("DeleteVpc failed", slog.String("error", err.Error()))
			errs = append(errs, err)
		} else {
			slog.Debug("deleted VPC", slog.String("ID", *p.vpcID))
			p.vpcID = nil
		}
	}

	return errors.Join(errs...)
}

func (p *ec2Provisioner) waitTerminated(ctx context.Context, ids []string) {
	for i := 0; i < 10; i++ {
		if err := p.limiter.Wait(ctx); err != nil {
			return
		}
		resp, err := p.ec2.DescribeInstances(ctx, &ec2.DescribeInstancesInput{InstanceIds: ids})
		if err != nil {
			slog.Debug("waiting for instances to finish terminating", slog.String("error", err.Error()))
			continue
		}
		done := true
		for _, res := range resp.Reservations {
			for _, ins := range res.Instances {
				if ins.State.Name != ec2Types.InstanceStateNameTerminated {
					done = false
				}
			}
		}
		if done {
			return
		}
		slog.Debug("waiting for instances to finish terminating")
		if err := retry.Sleep(ctx, 15*time.Second); err != nil {
			return
		}
	}
}

func (p *ec2Provisioner) TargetFor(vm *fleet.VM) (target.Target, error) {
	if vm.PublicAddr == "" {
		return nil, fmt.Errorf("vm %s has no address yet", vm.Name)
	}
	if p.signer == nil {
		return nil, fmt.Errorf("no key pair; was the fleet provisioned by this provisioner?")
	}
	return &target.SSHTarget{
		User:    p.input.SSHUser,
		IP:      vm.PublicAddr,
		SSHPort: 22,
		Auths:   []ssh.AuthMethod{ssh.PublicKeys(p.signer)},
	}, nil
}

func vmByInstanceID(f *fleet.Fleet, id string) *fleet.VM {
	for i := range f.VMs {
		if f.VMs[i].InstanceID == id {
			return &f.VMs[i]
		}
	}
	return nil
}
